// Package dynamodb provides an aggregate recorder that persists events in a
// DynamoDB table.
//
// DynamoDB has no serialized application-wide sequence, so only the
// aggregate recorder variant is available; requesting application, tracking
// or process semantics from this driver fails with a
// [persistence.CapabilityError] at construction time.
package dynamodb

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"
	"github.com/tessellic/annal/persistence"
)

const (
	originatorIDAttr      = "OriginatorID"
	originatorVersionAttr = "OriginatorVersion"
	topicAttr             = "Topic"
	stateAttr             = "State"
)

// maxTransactionSize is DynamoDB's limit on items per transactional write.
const maxTransactionSize = 100

// AggregateRecorder is an implementation of [persistence.AggregateRecorder]
// that persists events in a DynamoDB table.
type AggregateRecorder struct {
	// DB is the DynamoDB client to use.
	DB *dynamodb.Client

	// Table is the table name used for storage of events.
	Table string

	// DecorateQuery is an optional function that is called before each
	// DynamoDB "Query" request. It may modify the API input in-place.
	DecorateQuery func(*dynamodb.QueryInput)

	// DecoratePutItem is an optional function that is called before each
	// DynamoDB "PutItem" request. It may modify the API input in-place.
	DecoratePutItem func(*dynamodb.PutItemInput)
}

var _ persistence.AggregateRecorder = (*AggregateRecorder)(nil)

// CreateSchema creates the events table. It is idempotent; an existing
// table is left untouched.
func (r *AggregateRecorder) CreateSchema(ctx context.Context) error {
	_, err := r.DB.CreateTable(
		ctx,
		&dynamodb.CreateTableInput{
			TableName: aws.String(r.Table),
			AttributeDefinitions: []types.AttributeDefinition{
				{
					AttributeName: aws.String(originatorIDAttr),
					AttributeType: types.ScalarAttributeTypeS,
				},
				{
					AttributeName: aws.String(originatorVersionAttr),
					AttributeType: types.ScalarAttributeTypeN,
				},
			},
			KeySchema: []types.KeySchemaElement{
				{
					AttributeName: aws.String(originatorIDAttr),
					KeyType:       types.KeyTypeHash,
				},
				{
					AttributeName: aws.String(originatorVersionAttr),
					KeyType:       types.KeyTypeRange,
				},
			},
			BillingMode: types.BillingModePayPerRequest,
		},
	)

	var exists *types.ResourceInUseException
	if errors.As(err, &exists) {
		return nil
	}
	return mapError(err)
}

// InsertEvents atomically records the given events using a transactional
// write. Tracking cursors are not supported by this driver.
func (r *AggregateRecorder) InsertEvents(
	ctx context.Context,
	events []persistence.StoredEvent,
	options ...persistence.InsertOption,
) ([]persistence.Recording, error) {
	opts := persistence.ResolveInsertOptions(options...)
	if opts.Tracking != nil {
		return nil, errors.New("this recorder does not accept tracking cursors")
	}
	if len(events) > maxTransactionSize {
		return nil, fmt.Errorf(
			"cannot insert more than %d events in one call",
			maxTransactionSize,
		)
	}

	recordings := make([]persistence.Recording, len(events))
	for i, ev := range events {
		recordings[i] = persistence.Recording{
			OriginatorID:      ev.OriginatorID,
			OriginatorVersion: ev.OriginatorVersion,
		}
	}

	if len(events) == 1 {
		in := &dynamodb.PutItemInput{
			TableName:           aws.String(r.Table),
			Item:                marshalEvent(events[0]),
			ConditionExpression: aws.String(`attribute_not_exists(#O)`),
			ExpressionAttributeNames: map[string]string{
				"#O": originatorIDAttr,
			},
		}
		if r.DecoratePutItem != nil {
			r.DecoratePutItem(in)
		}

		if _, err := r.DB.PutItem(ctx, in); err != nil {
			return nil, mapError(err)
		}
		return recordings, nil
	}

	items := make([]types.TransactWriteItem, len(events))
	for i, ev := range events {
		items[i] = types.TransactWriteItem{
			Put: &types.Put{
				TableName:           aws.String(r.Table),
				Item:                marshalEvent(ev),
				ConditionExpression: aws.String(`attribute_not_exists(#O)`),
				ExpressionAttributeNames: map[string]string{
					"#O": originatorIDAttr,
				},
			},
		}
	}

	if _, err := r.DB.TransactWriteItems(
		ctx,
		&dynamodb.TransactWriteItemsInput{
			TransactItems: items,
		},
	); err != nil {
		return nil, mapError(err)
	}

	return recordings, nil
}

// SelectEvents returns the events of the given originator, paginating
// through the table as necessary.
func (r *AggregateRecorder) SelectEvents(
	ctx context.Context,
	originatorID uuid.UUID,
	options ...persistence.SelectOption,
) ([]persistence.StoredEvent, error) {
	opts := persistence.ResolveSelectOptions(options...)

	in := &dynamodb.QueryInput{
		TableName:              aws.String(r.Table),
		KeyConditionExpression: aws.String(`#O = :id AND #V BETWEEN :gt AND :lte`),
		ExpressionAttributeNames: map[string]string{
			"#O": originatorIDAttr,
			"#V": originatorVersionAttr,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":id": &types.AttributeValueMemberS{
				Value: originatorID.String(),
			},
			":gt": &types.AttributeValueMemberN{
				Value: strconv.FormatInt(opts.Gt+1, 10),
			},
			":lte": &types.AttributeValueMemberN{
				Value: strconv.FormatInt(opts.Lte, 10),
			},
		},
		ScanIndexForward: aws.Bool(!opts.Desc),
	}
	if opts.Limit > 0 {
		in.Limit = aws.Int32(int32(opts.Limit))
	}
	if r.DecorateQuery != nil {
		r.DecorateQuery(in)
	}

	var events []persistence.StoredEvent
	for {
		out, err := r.DB.Query(ctx, in)
		if err != nil {
			return nil, mapError(err)
		}

		for _, item := range out.Items {
			ev, err := unmarshalEvent(originatorID, item)
			if err != nil {
				return nil, err
			}
			events = append(events, ev)

			if opts.Limit > 0 && len(events) == opts.Limit {
				return events, nil
			}
		}

		if out.LastEvaluatedKey == nil {
			return events, nil
		}
		in.ExclusiveStartKey = out.LastEvaluatedKey
	}
}

// Close is a no-op; the DynamoDB client carries no per-recorder state.
func (r *AggregateRecorder) Close() error {
	return nil
}

func marshalEvent(ev persistence.StoredEvent) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		originatorIDAttr: &types.AttributeValueMemberS{
			Value: ev.OriginatorID.String(),
		},
		originatorVersionAttr: &types.AttributeValueMemberN{
			Value: strconv.FormatInt(ev.OriginatorVersion, 10),
		},
		topicAttr: &types.AttributeValueMemberS{
			Value: ev.Topic,
		},
		stateAttr: &types.AttributeValueMemberB{
			Value: ev.State,
		},
	}
}

func unmarshalEvent(
	originatorID uuid.UUID,
	item map[string]types.AttributeValue,
) (persistence.StoredEvent, error) {
	ev := persistence.StoredEvent{OriginatorID: originatorID}

	v, ok := item[originatorVersionAttr].(*types.AttributeValueMemberN)
	if !ok {
		return ev, fmt.Errorf("dynamodb: item has no %s attribute", originatorVersionAttr)
	}
	version, err := strconv.ParseInt(v.Value, 10, 64)
	if err != nil {
		return ev, fmt.Errorf("dynamodb: malformed version: %w", err)
	}
	ev.OriginatorVersion = version

	if t, ok := item[topicAttr].(*types.AttributeValueMemberS); ok {
		ev.Topic = t.Value
	}
	if s, ok := item[stateAttr].(*types.AttributeValueMemberB); ok {
		ev.State = s.Value
	}

	return ev, nil
}

// mapError converts a DynamoDB error to the persistence taxonomy.
func mapError(err error) error {
	if err == nil {
		return nil
	}

	var conditional *types.ConditionalCheckFailedException
	if errors.As(err, &conditional) {
		return &persistence.IntegrityError{
			Kind:  persistence.IntegrityVersion,
			Cause: err,
		}
	}

	var canceled *types.TransactionCanceledException
	if errors.As(err, &canceled) {
		for _, reason := range canceled.CancellationReasons {
			if aws.ToString(reason.Code) == "ConditionalCheckFailed" {
				return &persistence.IntegrityError{
					Kind:  persistence.IntegrityVersion,
					Cause: err,
				}
			}
		}
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	return &persistence.PersistenceError{
		Kind:  persistence.PersistenceTransport,
		Cause: err,
	}
}
