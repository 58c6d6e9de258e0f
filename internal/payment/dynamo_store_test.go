package payment

import (
	"context"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/require"
	"github.com/zulandar/swatch/internal/ddb"
	"github.com/zulandar/swatch/internal/models"
)

type fakeDynamo struct {
	getOut   *dynamodb.GetItemOutput
	putErr   error
	updErr   error
	scanOut  *dynamodb.ScanOutput
	puts     []*dynamodb.PutItemInput
	updates  []*dynamodb.UpdateItemInput
	lastScan *dynamodb.ScanInput
}

func (f *fakeDynamo) GetItem(_ context.Context, _ *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	if f.getOut == nil {
		return &dynamodb.GetItemOutput{}, nil
	}
	return f.getOut, nil
}

func (f *fakeDynamo) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.puts = append(f.puts, in)
	return &dynamodb.PutItemOutput{}, f.putErr
}

func (f *fakeDynamo) UpdateItem(_ context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	f.updates = append(f.updates, in)
	return &dynamodb.UpdateItemOutput{}, f.updErr
}

func (f *fakeDynamo) DeleteItem(_ context.Context, _ *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	return &dynamodb.DeleteItemOutput{}, nil
}

func (f *fakeDynamo) Scan(_ context.Context, in *dynamodb.ScanInput, _ ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
	f.lastScan = in
	if f.scanOut == nil {
		return &dynamodb.ScanOutput{}, nil
	}
	return f.scanOut, nil
}

func createdOrderItem(t *testing.T, id, user string, created time.Time) map[string]types.AttributeValue {
	t.Helper()
	item, err := orderItem(&models.PaymentOrder{
		OrderID:          id,
		UserID:           user,
		AmountMinorUnits: 1499,
		Currency:         "USD",
		Status:           models.OrderCreated,
		AnalysisSnapshot: *snapshot(),
		CreatedAt:        created,
		UpdatedAt:        created,
	})
	require.NoError(t, err)
	return item
}

func TestDynamoOrderStore_InsertConditional(t *testing.T) {
	api := &fakeDynamo{}
	store, err := NewDynamoOrderStore(api, "swatch")
	require.NoError(t, err)

	err = store.Insert(context.Background(), &models.PaymentOrder{OrderID: "order_1", UserID: "u1", Currency: "USD", Status: models.OrderCreated})
	require.NoError(t, err)
	require.Equal(t, "attribute_not_exists(PK)", aws.ToString(api.puts[0].ConditionExpression))
	pk, _ := ddb.Str(api.puts[0].Item, "PK")
	require.Equal(t, "ORDER#order_1", pk)

	api.putErr = &types.ConditionalCheckFailedException{}
	err = store.Insert(context.Background(), &models.PaymentOrder{OrderID: "order_1", UserID: "u1", Currency: "USD", Status: models.OrderCreated})
	require.ErrorIs(t, err, ErrExists)
}

func TestDynamoOrderStore_TransitionConditionalOnStatus(t *testing.T) {
	created := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)
	api := &fakeDynamo{getOut: &dynamodb.GetItemOutput{Item: createdOrderItem(t, "order_1", "u1", created)}}
	store, err := NewDynamoOrderStore(api, "swatch")
	require.NoError(t, err)

	now := created.Add(time.Minute)
	updated, err := store.Transition(context.Background(), "order_1", models.OrderCreated, models.OrderCompleted, func(o *models.PaymentOrder) {
		o.CompletedAt = &now
	})
	require.NoError(t, err)
	require.Equal(t, models.OrderCompleted, updated.Status)
	require.Equal(t, "deep autumn", updated.AnalysisSnapshot.Season)

	put := api.puts[0]
	require.Equal(t, "#s = :from", aws.ToString(put.ConditionExpression))
	from, _ := ddb.Str(put.ExpressionAttributeValues, ":from")
	require.Equal(t, "created", from)
	status, _ := ddb.Str(put.Item, "status")
	require.Equal(t, "completed", status)
	_, hasCompleted := put.Item["completedAt"]
	require.True(t, hasCompleted)

	api.putErr = &types.ConditionalCheckFailedException{}
	_, err = store.Transition(context.Background(), "order_1", models.OrderCreated, models.OrderCompleted, func(o *models.PaymentOrder) {
		o.CompletedAt = &now
	})
	require.ErrorIs(t, err, ErrStaleStatus)
}

func TestDynamoOrderStore_ActiveForUserPicksNewest(t *testing.T) {
	base := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)
	api := &fakeDynamo{scanOut: &dynamodb.ScanOutput{Items: []map[string]types.AttributeValue{
		createdOrderItem(t, "order_a", "u1", base),
		createdOrderItem(t, "order_b", "u1", base.Add(time.Hour)),
	}}}
	store, err := NewDynamoOrderStore(api, "swatch")
	require.NoError(t, err)

	o, err := store.ActiveForUser(context.Background(), "u1")
	require.NoError(t, err)
	require.Equal(t, "order_b", o.OrderID)
	user, _ := ddb.Str(api.lastScan.ExpressionAttributeValues, ":u")
	require.Equal(t, "u1", user)

	api.scanOut = &dynamodb.ScanOutput{}
	_, err = store.ActiveForUser(context.Background(), "u1")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDynamoOrderStore_SetDocumentRef(t *testing.T) {
	api := &fakeDynamo{}
	store, err := NewDynamoOrderStore(api, "swatch")
	require.NoError(t, err)

	require.NoError(t, store.SetDocumentRef(context.Background(), "order_1", "https://files.test/a.md"))
	require.Equal(t, "SET documentRef = :r", aws.ToString(api.updates[0].UpdateExpression))

	api.updErr = &types.ConditionalCheckFailedException{}
	require.ErrorIs(t, store.SetDocumentRef(context.Background(), "order_x", "r"), ErrNotFound)
}
