package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/zulandar/swatch/internal/ddb"
	"github.com/zulandar/swatch/internal/models"
)

const (
	orderPKPrefix = "ORDER#"
	orderSK       = "META"
)

// DynamoOrderStore keeps orders in the same single table as sessions. The
// conditional put on status makes Transition safe across processes.
type DynamoOrderStore struct {
	api       ddb.API
	tableName string
	now       func() time.Time
}

func NewDynamoOrderStore(api ddb.API, tableName string) (*DynamoOrderStore, error) {
	if api == nil {
		return nil, errors.New("payment: dynamodb api is required")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("payment: table name is required")
	}
	return &DynamoOrderStore{api: api, tableName: tableName, now: func() time.Time { return time.Now().UTC() }}, nil
}

func orderPK(orderID string) string { return orderPKPrefix + orderID }

func (d *DynamoOrderStore) Insert(ctx context.Context, o *models.PaymentOrder) error {
	item, err := orderItem(o)
	if err != nil {
		return fmt.Errorf("payment: insert %s: %w", o.OrderID, err)
	}
	_, err = d.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(d.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(PK)"),
	})
	if ddb.IsConditionFailed(err) {
		return ErrExists
	}
	if err != nil {
		return fmt.Errorf("payment: insert %s: %w", o.OrderID, err)
	}
	return nil
}

func (d *DynamoOrderStore) Get(ctx context.Context, orderID string) (*models.PaymentOrder, error) {
	out, err := d.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(d.tableName),
		Key:            ddb.Key(orderPK(orderID), orderSK),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("payment: get %s: %w", orderID, err)
	}
	if out == nil || len(out.Item) == 0 {
		return nil, ErrNotFound
	}
	o, err := itemToOrder(out.Item)
	if err != nil {
		return nil, fmt.Errorf("payment: get %s: %w", orderID, err)
	}
	return o, nil
}

// ActiveForUser scans for the user's created orders.
// TODO: add a userId GSI once order volume makes the scan noticeable.
func (d *DynamoOrderStore) ActiveForUser(ctx context.Context, userID string) (*models.PaymentOrder, error) {
	orders, err := d.scan(ctx, "begins_with(PK, :p) AND userId = :u AND #s = :c", map[string]types.AttributeValue{
		":p": ddb.S(orderPKPrefix),
		":u": ddb.S(userID),
		":c": ddb.S(string(models.OrderCreated)),
	})
	if err != nil {
		return nil, fmt.Errorf("payment: active order for %s: %w", userID, err)
	}
	if len(orders) == 0 {
		return nil, ErrNotFound
	}
	sort.Slice(orders, func(i, j int) bool { return orders[i].CreatedAt.After(orders[j].CreatedAt) })
	return orders[0], nil
}

func (d *DynamoOrderStore) Transition(ctx context.Context, orderID string, from, to models.OrderStatus, mutate func(*models.PaymentOrder)) (*models.PaymentOrder, error) {
	cur, err := d.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	next, err := prepareTransition(cur, from, to, mutate, d.now())
	if err != nil {
		return nil, err
	}
	item, err := orderItem(next)
	if err != nil {
		return nil, fmt.Errorf("payment: transition %s: %w", orderID, err)
	}
	_, err = d.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                 aws.String(d.tableName),
		Item:                      item,
		ConditionExpression:       aws.String("#s = :from"),
		ExpressionAttributeNames:  map[string]string{"#s": "status"},
		ExpressionAttributeValues: map[string]types.AttributeValue{":from": ddb.S(string(from))},
	})
	if ddb.IsConditionFailed(err) {
		return nil, ErrStaleStatus
	}
	if err != nil {
		return nil, fmt.Errorf("payment: transition %s: %w", orderID, err)
	}
	return next, nil
}

func (d *DynamoOrderStore) ListCreatedBefore(ctx context.Context, cutoff time.Time) ([]*models.PaymentOrder, error) {
	orders, err := d.scan(ctx, "begins_with(PK, :p) AND #s = :c AND createdAt < :cutoff", map[string]types.AttributeValue{
		":p":      ddb.S(orderPKPrefix),
		":c":      ddb.S(string(models.OrderCreated)),
		":cutoff": ddb.Time(cutoff),
	})
	if err != nil {
		return nil, fmt.Errorf("payment: list pending: %w", err)
	}
	sort.Slice(orders, func(i, j int) bool { return orders[i].CreatedAt.Before(orders[j].CreatedAt) })
	return orders, nil
}

func (d *DynamoOrderStore) SetDocumentRef(ctx context.Context, orderID, ref string) error {
	_, err := d.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(d.tableName),
		Key:                       ddb.Key(orderPK(orderID), orderSK),
		UpdateExpression:          aws.String("SET documentRef = :r"),
		ConditionExpression:       aws.String("attribute_exists(PK)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{":r": ddb.S(ref)},
	})
	if ddb.IsConditionFailed(err) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("payment: set document ref %s: %w", orderID, err)
	}
	return nil
}

func (d *DynamoOrderStore) scan(ctx context.Context, filter string, values map[string]types.AttributeValue) ([]*models.PaymentOrder, error) {
	items, err := ddb.ScanAll(ctx, d.api, &dynamodb.ScanInput{
		TableName:                 aws.String(d.tableName),
		FilterExpression:          aws.String(filter),
		ExpressionAttributeNames:  map[string]string{"#s": "status"},
		ExpressionAttributeValues: values,
	})
	if err != nil {
		return nil, err
	}
	out := make([]*models.PaymentOrder, 0, len(items))
	for _, item := range items {
		o, err := itemToOrder(item)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, nil
}

func orderItem(o *models.PaymentOrder) (ddb.Item, error) {
	snap, err := json.Marshal(o.AnalysisSnapshot)
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot: %w", err)
	}
	item := ddb.Item{
		"PK":          ddb.S(orderPK(o.OrderID)),
		"SK":          ddb.S(orderSK),
		"orderId":     ddb.S(o.OrderID),
		"userId":      ddb.S(o.UserID),
		"amount":      ddb.N(o.AmountMinorUnits),
		"currency":    ddb.S(o.Currency),
		"status":      ddb.S(string(o.Status)),
		"snapshot":    ddb.S(string(snap)),
		"checkoutUrl": ddb.S(o.CheckoutURL),
		"createdAt":   ddb.Time(o.CreatedAt),
		"updatedAt":   ddb.Time(o.UpdatedAt),
	}
	if o.PaymentID != nil {
		item["paymentId"] = ddb.S(*o.PaymentID)
	}
	if o.FailureReason != nil {
		item["failureReason"] = ddb.S(*o.FailureReason)
	}
	if o.DocumentRef != nil {
		item["documentRef"] = ddb.S(*o.DocumentRef)
	}
	if o.CompletedAt != nil {
		item["completedAt"] = ddb.Time(*o.CompletedAt)
	}
	return item, nil
}

func itemToOrder(item ddb.Item) (*models.PaymentOrder, error) {
	var (
		o   models.PaymentOrder
		err error
	)
	if o.OrderID, err = ddb.Str(item, "orderId"); err != nil {
		return nil, err
	}
	if o.UserID, err = ddb.Str(item, "userId"); err != nil {
		return nil, err
	}
	if o.AmountMinorUnits, err = ddb.Int(item, "amount"); err != nil {
		return nil, err
	}
	if o.Currency, err = ddb.Str(item, "currency"); err != nil {
		return nil, err
	}
	status, err := ddb.Str(item, "status")
	if err != nil {
		return nil, err
	}
	o.Status = models.OrderStatus(status)
	o.CheckoutURL, _ = ddb.Str(item, "checkoutUrl")
	if o.CreatedAt, err = ddb.TimeAttr(item, "createdAt"); err != nil {
		return nil, err
	}
	if o.UpdatedAt, err = ddb.TimeAttr(item, "updatedAt"); err != nil {
		return nil, err
	}
	if o.PaymentID, err = ddb.OptStr(item, "paymentId"); err != nil {
		return nil, err
	}
	if o.FailureReason, err = ddb.OptStr(item, "failureReason"); err != nil {
		return nil, err
	}
	if o.DocumentRef, err = ddb.OptStr(item, "documentRef"); err != nil {
		return nil, err
	}
	if o.CompletedAt, err = ddb.OptTime(item, "completedAt"); err != nil {
		return nil, err
	}
	raw, err := ddb.Str(item, "snapshot")
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(raw), &o.AnalysisSnapshot); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &o, nil
}
