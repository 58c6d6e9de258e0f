// Package ddb holds the DynamoDB plumbing shared by the session and order
// stores: the narrow client interface and attribute codecs.
package ddb

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// API is the subset of the DynamoDB client used by Swatch stores.
type API interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Scan(ctx context.Context, in *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

type Item = map[string]types.AttributeValue

func S(v string) types.AttributeValue { return &types.AttributeValueMemberS{Value: v} }

func N(v int64) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(v, 10)}
}

func Bool(v bool) types.AttributeValue { return &types.AttributeValueMemberBOOL{Value: v} }

func Time(t time.Time) types.AttributeValue { return S(t.UTC().Format(time.RFC3339Nano)) }

// Key builds the PK/SK key map for a single-table item.
func Key(pk, sk string) Item {
	return Item{"PK": S(pk), "SK": S(sk)}
}

// IsConditionFailed reports whether err is a failed ConditionExpression.
func IsConditionFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}

// ScanAll follows LastEvaluatedKey until the table segment is exhausted.
func ScanAll(ctx context.Context, api API, in *dynamodb.ScanInput) ([]Item, error) {
	var items []Item
	for {
		out, err := api.Scan(ctx, in)
		if err != nil {
			return nil, err
		}
		items = append(items, out.Items...)
		if len(out.LastEvaluatedKey) == 0 {
			return items, nil
		}
		in.ExclusiveStartKey = out.LastEvaluatedKey
	}
}

func Str(item Item, key string) (string, error) {
	v, ok := item[key]
	if !ok {
		return "", fmt.Errorf("ddb: missing attribute %q", key)
	}
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("ddb: attribute %q is not a string", key)
	}
	return s.Value, nil
}

// OptStr returns nil when the attribute is absent.
func OptStr(item Item, key string) (*string, error) {
	if _, ok := item[key]; !ok {
		return nil, nil
	}
	s, err := Str(item, key)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func Int(item Item, key string) (int64, error) {
	v, ok := item[key]
	if !ok {
		return 0, fmt.Errorf("ddb: missing attribute %q", key)
	}
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("ddb: attribute %q is not a number", key)
	}
	parsed, err := strconv.ParseInt(n.Value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("ddb: parse attribute %q: %w", key, err)
	}
	return parsed, nil
}

// OptBool returns false when the attribute is absent.
func OptBool(item Item, key string) (bool, error) {
	v, ok := item[key]
	if !ok {
		return false, nil
	}
	b, ok := v.(*types.AttributeValueMemberBOOL)
	if !ok {
		return false, fmt.Errorf("ddb: attribute %q is not a bool", key)
	}
	return b.Value, nil
}

func TimeAttr(item Item, key string) (time.Time, error) {
	s, err := Str(item, key)
	if err != nil {
		return time.Time{}, err
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("ddb: parse attribute %q: %w", key, err)
	}
	return t, nil
}

// OptTime returns nil when the attribute is absent.
func OptTime(item Item, key string) (*time.Time, error) {
	if _, ok := item[key]; !ok {
		return nil, nil
	}
	t, err := TimeAttr(item, key)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
