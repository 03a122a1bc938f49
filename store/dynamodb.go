package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	appconfig "deepchat/config"
	"deepchat/models"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"
)

const (
	conversationIndex = "ConversationIndex"
	userIndex         = "UserIndex"
)

// dynamoAPI is the subset of *dynamodb.Client the store uses.
type dynamoAPI interface {
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, opts ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	CreateTable(ctx context.Context, in *dynamodb.CreateTableInput, opts ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error)
}

// DynamoStore keeps messages and conversations in two tables keyed by ID, with
// global secondary indexes for the per-conversation and per-user listings.
// Listings go through a GSI and are therefore eventually consistent.
type DynamoStore struct {
	db                 dynamoAPI
	messagesTable      string
	conversationsTable string
	clock              models.Clock
}

func NewDynamoClient(ctx context.Context, cfg appconfig.DynamoDBConfig) (*dynamodb.Client, error) {
	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, options ...interface{}) (aws.Endpoint, error) {
			return aws.Endpoint{URL: cfg.Endpoint}, nil
		})
		opts = append(opts, config.WithEndpointResolverWithOptions(resolver))
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, config.WithCredentialsProvider(credentials.StaticCredentialsProvider{
			Value: aws.Credentials{AccessKeyID: cfg.AccessKeyID, SecretAccessKey: cfg.SecretAccessKey},
		}))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return dynamodb.NewFromConfig(awsCfg), nil
}

func NewDynamoStore(db dynamoAPI, cfg appconfig.DynamoDBConfig) *DynamoStore {
	return &DynamoStore{
		db:                 db,
		messagesTable:      cfg.MessagesTable,
		conversationsTable: cfg.ConversationTable,
	}
}

// EnsureTables creates both tables, ignoring "already exists" failures.
func (s *DynamoStore) EnsureTables(ctx context.Context) error {
	tables := []struct {
		name, index, indexKey string
	}{
		{s.messagesTable, conversationIndex, "ConversationID"},
		{s.conversationsTable, userIndex, "UserID"},
	}
	for _, t := range tables {
		_, err := s.db.CreateTable(ctx, &dynamodb.CreateTableInput{
			TableName: aws.String(t.name),
			AttributeDefinitions: []types.AttributeDefinition{
				{AttributeName: aws.String("ID"), AttributeType: types.ScalarAttributeTypeS},
				{AttributeName: aws.String(t.indexKey), AttributeType: types.ScalarAttributeTypeS},
				{AttributeName: aws.String("CreatedAt"), AttributeType: types.ScalarAttributeTypeN},
			},
			KeySchema: []types.KeySchemaElement{
				{AttributeName: aws.String("ID"), KeyType: types.KeyTypeHash},
			},
			GlobalSecondaryIndexes: []types.GlobalSecondaryIndex{
				{
					IndexName: aws.String(t.index),
					KeySchema: []types.KeySchemaElement{
						{AttributeName: aws.String(t.indexKey), KeyType: types.KeyTypeHash},
						{AttributeName: aws.String("CreatedAt"), KeyType: types.KeyTypeRange},
					},
					Projection: &types.Projection{ProjectionType: types.ProjectionTypeAll},
				},
			},
			BillingMode: types.BillingModePayPerRequest,
		})
		var inUse *types.ResourceInUseException
		if err != nil && !errors.As(err, &inUse) {
			return fmt.Errorf("create table %s: %w", t.name, err)
		}
	}
	return nil
}

func (s *DynamoStore) CreateConversation(ctx context.Context, userID, title string) (*models.Conversation, error) {
	now := s.clock.Now()
	conv := models.Conversation{
		ID:        uuid.NewString(),
		UserID:    userID,
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err := s.db.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.conversationsTable),
		Item:      conversationItem(conv),
	})
	if err != nil {
		return nil, fmt.Errorf("put conversation %s: %w", conv.ID, err)
	}
	return &conv, nil
}

func (s *DynamoStore) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	out, err := s.db.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.conversationsTable),
		Key:            idKey(id),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get conversation %s: %w", id, err)
	}
	if len(out.Item) == 0 {
		return nil, fmt.Errorf("conversation %s: %w", id, ErrNotFound)
	}
	conv := conversationFromItem(out.Item)
	return &conv, nil
}

func (s *DynamoStore) GetUserConversations(ctx context.Context, userID string) ([]models.Conversation, error) {
	items, err := s.queryIndex(ctx, s.conversationsTable, userIndex, "UserID", userID, false)
	if err != nil {
		return nil, err
	}
	convs := make([]models.Conversation, 0, len(items))
	for _, item := range items {
		convs = append(convs, conversationFromItem(item))
	}
	sortConversations(convs)
	return convs, nil
}

func (s *DynamoStore) CreateMessage(ctx context.Context, msg models.Message) (*models.Message, error) {
	created := newMessage(msg, uuid.NewString(), s.clock.Now())
	_, err := s.db.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.messagesTable),
		Item:      messageItem(created),
	})
	if err != nil {
		return nil, fmt.Errorf("put message %s: %w", created.ID, err)
	}
	return &created, nil
}

func (s *DynamoStore) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	out, err := s.db.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.messagesTable),
		Key:            idKey(id),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get message %s: %w", id, err)
	}
	if len(out.Item) == 0 {
		return nil, fmt.Errorf("message %s: %w", id, ErrNotFound)
	}
	msg, err := messageFromItem(out.Item)
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

// UpdateMessage builds a SET expression from the patch fields and guards it
// with a condition so terminal messages are never rewritten.
func (s *DynamoStore) UpdateMessage(ctx context.Context, id string, patch models.MessagePatch) (*models.Message, error) {
	in := buildMessageUpdate(s.messagesTable, id, patch, s.clock.Now())
	out, err := s.db.UpdateItem(ctx, in)
	var condErr *types.ConditionalCheckFailedException
	if errors.As(err, &condErr) {
		current, getErr := s.GetMessage(ctx, id)
		if getErr != nil {
			return nil, getErr
		}
		return current, fmt.Errorf("message %s: %w", id, ErrTerminal)
	}
	if err != nil {
		return nil, fmt.Errorf("update message %s: %w", id, err)
	}
	msg, err := messageFromItem(out.Attributes)
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

func buildMessageUpdate(table, id string, patch models.MessagePatch, now int64) *dynamodb.UpdateItemInput {
	sets := []string{"#updatedAt = :updatedAt"}
	names := map[string]string{
		"#updatedAt": "UpdatedAt",
		"#status":    "Status",
	}
	values := map[string]types.AttributeValue{
		":updatedAt": numberAttr(now),
		":completed": &types.AttributeValueMemberS{Value: string(models.StatusCompleted)},
		":error":     &types.AttributeValueMemberS{Value: string(models.StatusError)},
	}

	if patch.Content != nil {
		sets = append(sets, "#content = :content")
		names["#content"] = "Content"
		values[":content"] = &types.AttributeValueMemberS{Value: *patch.Content}
	}
	if patch.ReasoningContent != nil {
		sets = append(sets, "#reasoning = :reasoning")
		names["#reasoning"] = "ReasoningContent"
		values[":reasoning"] = &types.AttributeValueMemberS{Value: *patch.ReasoningContent}
	}
	if patch.Status != nil {
		sets = append(sets, "#status = :status")
		values[":status"] = &types.AttributeValueMemberS{Value: string(*patch.Status)}
	}

	return &dynamodb.UpdateItemInput{
		TableName:                 aws.String(table),
		Key:                       idKey(id),
		UpdateExpression:          aws.String("SET " + strings.Join(sets, ", ")),
		ConditionExpression:       aws.String("attribute_exists(ID) AND NOT (#status IN (:completed, :error))"),
		ExpressionAttributeNames:  names,
		ExpressionAttributeValues: values,
		ReturnValues:              types.ReturnValueAllNew,
	}
}

func (s *DynamoStore) GetConversationMessages(ctx context.Context, conversationID string) ([]models.Message, error) {
	items, err := s.queryIndex(ctx, s.messagesTable, conversationIndex, "ConversationID", conversationID, true)
	if err != nil {
		return nil, err
	}
	msgs := make([]models.Message, 0, len(items))
	for _, item := range items {
		msg, err := messageFromItem(item)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	sortMessages(msgs)
	return msgs, nil
}

func (s *DynamoStore) queryIndex(ctx context.Context, table, index, keyName, keyValue string, ascending bool) ([]map[string]types.AttributeValue, error) {
	var items []map[string]types.AttributeValue
	var startKey map[string]types.AttributeValue
	for {
		out, err := s.db.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(table),
			IndexName:              aws.String(index),
			KeyConditionExpression: aws.String("#k = :k"),
			ExpressionAttributeNames: map[string]string{
				"#k": keyName,
			},
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":k": &types.AttributeValueMemberS{Value: keyValue},
			},
			ScanIndexForward:  aws.Bool(ascending),
			ExclusiveStartKey: startKey,
		})
		if err != nil {
			return nil, fmt.Errorf("query %s.%s: %w", table, index, err)
		}
		items = append(items, out.Items...)
		if len(out.LastEvaluatedKey) == 0 {
			return items, nil
		}
		startKey = out.LastEvaluatedKey
	}
}

func (s *DynamoStore) Close() error { return nil }

func idKey(id string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"ID": &types.AttributeValueMemberS{Value: id},
	}
}

func numberAttr(n int64) *types.AttributeValueMemberN {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(n, 10)}
}

func messageItem(m models.Message) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"ID":               &types.AttributeValueMemberS{Value: m.ID},
		"ConversationID":   &types.AttributeValueMemberS{Value: m.ConversationID},
		"Role":             &types.AttributeValueMemberS{Value: string(m.Role)},
		"Content":          &types.AttributeValueMemberS{Value: m.Content},
		"ReasoningContent": &types.AttributeValueMemberS{Value: m.ReasoningContent},
		"Status":           &types.AttributeValueMemberS{Value: string(m.Status)},
		"CreatedAt":        numberAttr(m.CreatedAt),
		"UpdatedAt":        numberAttr(m.UpdatedAt),
	}
}

func messageFromItem(item map[string]types.AttributeValue) (models.Message, error) {
	created, err := numberValue(item, "CreatedAt")
	if err != nil {
		return models.Message{}, err
	}
	updated, err := numberValue(item, "UpdatedAt")
	if err != nil {
		return models.Message{}, err
	}
	return models.Message{
		ID:               stringValue(item, "ID"),
		ConversationID:   stringValue(item, "ConversationID"),
		Role:             models.Role(stringValue(item, "Role")),
		Content:          stringValue(item, "Content"),
		ReasoningContent: stringValue(item, "ReasoningContent"),
		Status:           models.Status(stringValue(item, "Status")),
		CreatedAt:        created,
		UpdatedAt:        updated,
	}, nil
}

func conversationItem(c models.Conversation) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"ID":        &types.AttributeValueMemberS{Value: c.ID},
		"UserID":    &types.AttributeValueMemberS{Value: c.UserID},
		"Title":     &types.AttributeValueMemberS{Value: c.Title},
		"CreatedAt": numberAttr(c.CreatedAt),
		"UpdatedAt": numberAttr(c.UpdatedAt),
	}
}

func conversationFromItem(item map[string]types.AttributeValue) models.Conversation {
	created, _ := numberValue(item, "CreatedAt")
	updated, _ := numberValue(item, "UpdatedAt")
	return models.Conversation{
		ID:        stringValue(item, "ID"),
		UserID:    stringValue(item, "UserID"),
		Title:     stringValue(item, "Title"),
		CreatedAt: created,
		UpdatedAt: updated,
	}
}

func stringValue(item map[string]types.AttributeValue, name string) string {
	if v, ok := item[name].(*types.AttributeValueMemberS); ok {
		return v.Value
	}
	return ""
}

func numberValue(item map[string]types.AttributeValue, name string) (int64, error) {
	v, ok := item[name].(*types.AttributeValueMemberN)
	if !ok {
		return 0, nil
	}
	n, err := strconv.ParseInt(v.Value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("attribute %s: %w", name, err)
	}
	return n, nil
}
