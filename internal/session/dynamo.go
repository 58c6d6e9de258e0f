package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/zulandar/swatch/internal/ddb"
	"github.com/zulandar/swatch/internal/models"
)

const (
	pkPrefix = "SESSION#"
	skMeta   = "META"
)

// DynamoStore writes sessions through to a single DynamoDB table.
type DynamoStore struct {
	api       ddb.API
	tableName string
	now       func() time.Time
}

// NewDynamoStore returns a DynamoStore over tableName.
func NewDynamoStore(api ddb.API, tableName string) (*DynamoStore, error) {
	if api == nil {
		return nil, errors.New("session: dynamodb api is required")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("session: table name is required")
	}
	return &DynamoStore{api: api, tableName: tableName, now: func() time.Time { return time.Now().UTC() }}, nil
}

func sessionPK(userID string) string { return pkPrefix + userID }

func (d *DynamoStore) Get(ctx context.Context, userID string) (*models.ConversationSession, error) {
	out, err := d.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(d.tableName),
		Key:            ddb.Key(sessionPK(userID), skMeta),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("session: get %s: %w", userID, err)
	}
	if out == nil || len(out.Item) == 0 {
		return nil, ErrNotFound
	}
	s, err := itemToSession(out.Item)
	if err != nil {
		return nil, fmt.Errorf("session: get %s: %w", userID, err)
	}
	return s, nil
}

func (d *DynamoStore) Create(ctx context.Context, userID string, p Profile) (*models.ConversationSession, error) {
	if userID == "" {
		return nil, fmt.Errorf("session: create: user id is required")
	}
	s := newSession(userID, p, d.now())
	item, err := sessionItem(s)
	if err != nil {
		return nil, fmt.Errorf("session: create %s: %w", userID, err)
	}
	_, err = d.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(d.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(PK)"),
	})
	if ddb.IsConditionFailed(err) {
		return nil, ErrExists
	}
	if err != nil {
		return nil, fmt.Errorf("session: create %s: %w", userID, err)
	}
	return s, nil
}

func (d *DynamoStore) Save(ctx context.Context, s *models.ConversationSession) error {
	if err := s.Validate(); err != nil {
		return fmt.Errorf("session: save: %w", err)
	}
	next := stamped(s, d.now())
	item, err := sessionItem(next)
	if err != nil {
		return fmt.Errorf("session: save %s: %w", s.UserID, err)
	}
	_, err = d.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                 aws.String(d.tableName),
		Item:                      item,
		ConditionExpression:       aws.String("#v = :v"),
		ExpressionAttributeNames:  map[string]string{"#v": "version"},
		ExpressionAttributeValues: map[string]types.AttributeValue{":v": ddb.N(s.Version)},
	})
	if ddb.IsConditionFailed(err) {
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("session: save %s: %w", s.UserID, err)
	}
	*s = *next
	return nil
}

func (d *DynamoStore) Delete(ctx context.Context, userID string) error {
	_, err := d.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(d.tableName),
		Key:       ddb.Key(sessionPK(userID), skMeta),
	})
	if err != nil {
		return fmt.Errorf("session: delete %s: %w", userID, err)
	}
	return nil
}

// Cleanup scans session items and removes expired ones. Each delete is
// conditional on the scanned version so a concurrently touched session
// survives.
func (d *DynamoStore) Cleanup(ctx context.Context, retention time.Duration) (int, error) {
	if err := checkRetention(retention); err != nil {
		return 0, err
	}
	all, err := d.LoadAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("session: cleanup: %w", err)
	}
	cutoff := d.now().Add(-retention)
	removed := 0
	for _, s := range all {
		if !expired(s, cutoff) {
			continue
		}
		_, err := d.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
			TableName:                 aws.String(d.tableName),
			Key:                       ddb.Key(sessionPK(s.UserID), skMeta),
			ConditionExpression:       aws.String("#v = :v"),
			ExpressionAttributeNames:  map[string]string{"#v": "version"},
			ExpressionAttributeValues: map[string]types.AttributeValue{":v": ddb.N(s.Version)},
		})
		if ddb.IsConditionFailed(err) {
			continue
		}
		if err != nil {
			return removed, fmt.Errorf("session: cleanup %s: %w", s.UserID, err)
		}
		removed++
	}
	return removed, nil
}

func (d *DynamoStore) ListByState(ctx context.Context, state models.SessionState) ([]*models.ConversationSession, error) {
	items, err := ddb.ScanAll(ctx, d.api, &dynamodb.ScanInput{
		TableName:                aws.String(d.tableName),
		FilterExpression:         aws.String("begins_with(PK, :p) AND #st = :s"),
		ExpressionAttributeNames: map[string]string{"#st": "state"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":p": ddb.S(pkPrefix),
			":s": ddb.S(string(state)),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("session: list %s: %w", state, err)
	}
	return itemsToSessions(items)
}

// LoadAll implements Backend.
func (d *DynamoStore) LoadAll(ctx context.Context) ([]*models.ConversationSession, error) {
	items, err := ddb.ScanAll(ctx, d.api, &dynamodb.ScanInput{
		TableName:                 aws.String(d.tableName),
		FilterExpression:          aws.String("begins_with(PK, :p)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{":p": ddb.S(pkPrefix)},
	})
	if err != nil {
		return nil, fmt.Errorf("session: load all: %w", err)
	}
	return itemsToSessions(items)
}

// Put implements Backend.
func (d *DynamoStore) Put(ctx context.Context, s *models.ConversationSession) error {
	item, err := sessionItem(s)
	if err != nil {
		return fmt.Errorf("session: put %s: %w", s.UserID, err)
	}
	if _, err := d.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(d.tableName),
		Item:      item,
	}); err != nil {
		return fmt.Errorf("session: put %s: %w", s.UserID, err)
	}
	return nil
}

func itemsToSessions(items []ddb.Item) ([]*models.ConversationSession, error) {
	out := make([]*models.ConversationSession, 0, len(items))
	for _, item := range items {
		s, err := itemToSession(item)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func sessionItem(s *models.ConversationSession) (ddb.Item, error) {
	item := ddb.Item{
		"PK":           ddb.S(sessionPK(s.UserID)),
		"SK":           ddb.S(skMeta),
		"userId":       ddb.S(s.UserID),
		"platform":     ddb.S(s.Platform),
		"channelId":    ddb.S(s.ChannelID),
		"displayName":  ddb.S(s.DisplayName),
		"state":        ddb.S(string(s.State)),
		"messageCount": ddb.N(int64(s.MessageCount)),
		"attempt":      ddb.N(s.AnalysisAttempt),
		"pdfDelivered": ddb.Bool(s.PDFDelivered),
		"version":      ddb.N(s.Version),
		"createdAt":    ddb.Time(s.CreatedAt),
		"lastActive":   ddb.Time(s.LastActive),
	}
	if s.Analysis != nil {
		raw, err := json.Marshal(s.Analysis)
		if err != nil {
			return nil, fmt.Errorf("marshal analysis: %w", err)
		}
		item["analysis"] = ddb.S(string(raw))
	}
	if s.ActivePaymentOrderID != nil {
		item["activeOrderId"] = ddb.S(*s.ActivePaymentOrderID)
	}
	if s.AnalysisStartedAt != nil {
		item["analysisStartedAt"] = ddb.Time(*s.AnalysisStartedAt)
	}
	return item, nil
}

func itemToSession(item ddb.Item) (*models.ConversationSession, error) {
	var (
		s   models.ConversationSession
		err error
	)
	if s.UserID, err = ddb.Str(item, "userId"); err != nil {
		return nil, err
	}
	state, err := ddb.Str(item, "state")
	if err != nil {
		return nil, err
	}
	s.State = models.SessionState(state)
	s.Platform, _ = ddb.Str(item, "platform")
	s.ChannelID, _ = ddb.Str(item, "channelId")
	s.DisplayName, _ = ddb.Str(item, "displayName")

	count, err := ddb.Int(item, "messageCount")
	if err != nil {
		return nil, err
	}
	s.MessageCount = int(count)
	if s.AnalysisAttempt, err = ddb.Int(item, "attempt"); err != nil {
		return nil, err
	}
	if s.Version, err = ddb.Int(item, "version"); err != nil {
		return nil, err
	}
	if s.PDFDelivered, err = ddb.OptBool(item, "pdfDelivered"); err != nil {
		return nil, err
	}
	if s.CreatedAt, err = ddb.TimeAttr(item, "createdAt"); err != nil {
		return nil, err
	}
	if s.LastActive, err = ddb.TimeAttr(item, "lastActive"); err != nil {
		return nil, err
	}
	if s.ActivePaymentOrderID, err = ddb.OptStr(item, "activeOrderId"); err != nil {
		return nil, err
	}
	if s.AnalysisStartedAt, err = ddb.OptTime(item, "analysisStartedAt"); err != nil {
		return nil, err
	}
	raw, err := ddb.OptStr(item, "analysis")
	if err != nil {
		return nil, err
	}
	if raw != nil {
		var rec models.AnalysisRecord
		if err := json.Unmarshal([]byte(*raw), &rec); err != nil {
			return nil, fmt.Errorf("unmarshal analysis: %w", err)
		}
		s.Analysis = &rec
	}
	return &s, nil
}
