package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/rs/zerolog/log"
)

// DynamoDB key constants for the single-table design.
const (
	sessionPrefix = "SESSION#"
	patientPrefix = "PATIENT#"
	skMeta        = "META"
)

// DynamoAPI is the subset of the DynamoDB client used by DynamoStore.
type DynamoAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
}

// DynamoStore implements SessionStore using AWS DynamoDB.
type DynamoStore struct {
	client    DynamoAPI
	tableName string
}

// Compile-time interface check.
var _ SessionStore = (*DynamoStore)(nil)

// NewDynamoStore creates a DynamoStore for the given table.
// The client should be initialized from the shared AWS config.
func NewDynamoStore(client DynamoAPI, tableName string) *DynamoStore {
	return &DynamoStore{
		client:    client,
		tableName: tableName,
	}
}

// --- Internal helpers ---

func sessionPK(sessionID string) string { return sessionPrefix + sessionID }
func patientPK(patientID string) string { return patientPrefix + patientID }

func metaKey(pk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: pk},
		"SK": &types.AttributeValueMemberS{Value: skMeta},
	}
}

// putItem marshals a domain object and writes it with PK and SK.
func (s *DynamoStore) putItem(ctx context.Context, pk string, data interface{}) error {
	item, err := attributevalue.MarshalMap(data)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	item["PK"] = &types.AttributeValueMemberS{Value: pk}
	item["SK"] = &types.AttributeValueMemberS{Value: skMeta}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: &s.tableName,
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("PutItem PK=%s: %w", pk, err)
	}
	return nil
}

// getItem reads a META item and unmarshals it into out.
// Returns false if the item does not exist (out is not modified).
func (s *DynamoStore) getItem(ctx context.Context, pk string, out interface{}) (bool, error) {
	result, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      &s.tableName,
		Key:            metaKey(pk),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return false, fmt.Errorf("GetItem PK=%s: %w", pk, err)
	}
	if result.Item == nil {
		return false, nil
	}
	if err := attributevalue.UnmarshalMap(result.Item, out); err != nil {
		return false, fmt.Errorf("unmarshal PK=%s: %w", pk, err)
	}
	return true, nil
}

// updateSession runs an UpdateItem against an existing session record.
// A failed attribute_exists condition maps to ErrSessionNotFound.
func (s *DynamoStore) updateSession(ctx context.Context, sessionID, expr string, names map[string]string, values map[string]types.AttributeValue) error {
	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 &s.tableName,
		Key:                       metaKey(sessionPK(sessionID)),
		UpdateExpression:          aws.String(expr),
		ConditionExpression:       aws.String("attribute_exists(PK)"),
		ExpressionAttributeNames:  names,
		ExpressionAttributeValues: values,
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return ErrSessionNotFound
		}
		return err
	}
	return nil
}

// --- Patient operations ---

func (s *DynamoStore) PutPatient(ctx context.Context, patient *Patient) error {
	if patient.CreatedAt.IsZero() {
		patient.CreatedAt = time.Now().UTC()
	}
	if err := s.putItem(ctx, patientPK(patient.ID), patient); err != nil {
		return fmt.Errorf("put patient %s: %w", patient.ID, err)
	}
	log.Debug().Str("patientId", patient.ID).Msg("Patient persisted to DynamoDB")
	return nil
}

func (s *DynamoStore) GetPatient(ctx context.Context, patientID string) (*Patient, error) {
	var patient Patient
	found, err := s.getItem(ctx, patientPK(patientID), &patient)
	if err != nil {
		return nil, fmt.Errorf("get patient %s: %w", patientID, err)
	}
	if !found {
		return nil, nil
	}
	patient.ID = patientID
	return &patient, nil
}

// --- Session operations ---

func (s *DynamoStore) PutSession(ctx context.Context, session *Session) error {
	if session.StartedAt.IsZero() {
		session.StartedAt = time.Now().UTC()
	}
	// list_append needs existing lists, so never write NULL event lists.
	if session.AudioEvents == nil {
		session.AudioEvents = []Event{}
	}
	if session.VideoEvents == nil {
		session.VideoEvents = []Event{}
	}
	if err := s.putItem(ctx, sessionPK(session.ID), session); err != nil {
		return fmt.Errorf("put session %s: %w", session.ID, err)
	}
	log.Debug().Str("sessionId", session.ID).Str("status", session.Status).Msg("Session persisted to DynamoDB")
	return nil
}

func (s *DynamoStore) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	var session Session
	found, err := s.getItem(ctx, sessionPK(sessionID), &session)
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", sessionID, err)
	}
	if !found {
		return nil, nil
	}
	session.ID = sessionID
	return &session, nil
}

func (s *DynamoStore) UpdateSessionStatus(ctx context.Context, sessionID, status string) error {
	err := s.updateSession(ctx, sessionID, "SET #s = :s",
		map[string]string{"#s": "status"}, // "status" is a DynamoDB reserved word
		map[string]types.AttributeValue{
			":s": &types.AttributeValueMemberS{Value: status},
		})
	if err != nil {
		return fmt.Errorf("update session status %s -> %s: %w", sessionID, status, err)
	}
	log.Debug().Str("sessionId", sessionID).Str("status", status).Msg("Session status updated")
	return nil
}

func (s *DynamoStore) StopSession(ctx context.Context, sessionID string, at time.Time) (bool, error) {
	stoppedAt, err := attributevalue.Marshal(at.UTC())
	if err != nil {
		return false, fmt.Errorf("marshal stoppedAt: %w", err)
	}
	_, err = s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           &s.tableName,
		Key:                 metaKey(sessionPK(sessionID)),
		UpdateExpression:    aws.String("SET #s = :stopped, stoppedAt = :at"),
		ConditionExpression: aws.String("#s IN (:started, :processing)"),
		ExpressionAttributeNames: map[string]string{
			"#s": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":stopped":    &types.AttributeValueMemberS{Value: StatusStopped},
			":started":    &types.AttributeValueMemberS{Value: StatusStarted},
			":processing": &types.AttributeValueMemberS{Value: StatusProcessing},
			":at":         stoppedAt,
		},
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return false, nil
		}
		return false, fmt.Errorf("stop session %s: %w", sessionID, err)
	}
	log.Debug().Str("sessionId", sessionID).Time("stoppedAt", at).Msg("Session stopped")
	return true, nil
}

func (s *DynamoStore) PutTranscript(ctx context.Context, sessionID, transcript string) error {
	err := s.updateSession(ctx, sessionID, "SET finalTranscript = :t", nil,
		map[string]types.AttributeValue{
			":t": &types.AttributeValueMemberS{Value: transcript},
		})
	if err != nil {
		return fmt.Errorf("put transcript %s: %w", sessionID, err)
	}
	log.Debug().Str("sessionId", sessionID).Int("length", len(transcript)).Msg("Transcript persisted")
	return nil
}

func (s *DynamoStore) PutInsightReport(ctx context.Context, sessionID string, report *InsightReport) error {
	av, err := attributevalue.Marshal(report)
	if err != nil {
		return fmt.Errorf("marshal insight report: %w", err)
	}
	err = s.updateSession(ctx, sessionID, "SET insightReport = :r", nil,
		map[string]types.AttributeValue{":r": av})
	if err != nil {
		return fmt.Errorf("put insight report %s: %w", sessionID, err)
	}
	log.Debug().Str("sessionId", sessionID).Int("cues", len(report.HiddenCues)).Msg("Insight report persisted")
	return nil
}

func (s *DynamoStore) AppendEvent(ctx context.Context, sessionID, channel string, event Event) error {
	attr, err := eventAttribute(channel)
	if err != nil {
		return err
	}
	av, err := attributevalue.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	err = s.updateSession(ctx, sessionID,
		"SET #e = list_append(if_not_exists(#e, :empty), :ev)",
		map[string]string{"#e": attr},
		map[string]types.AttributeValue{
			":ev":    &types.AttributeValueMemberL{Value: []types.AttributeValue{av}},
			":empty": &types.AttributeValueMemberL{Value: []types.AttributeValue{}},
		})
	if err != nil {
		return fmt.Errorf("append %s event %s: %w", channel, sessionID, err)
	}
	return nil
}

func eventAttribute(channel string) (string, error) {
	switch channel {
	case ChannelAudio:
		return "audioEvents", nil
	case ChannelVideo:
		return "videoEvents", nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidChannel, channel)
	}
}
