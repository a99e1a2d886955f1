package dynamodb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	dynamodbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/slackmgr/pgstream/tail"
)

const (
	// PartitionKey is the DynamoDB partition key attribute name. Cursor
	// records use the tailed file path as partition key value.
	PartitionKey = "pk"

	// SortKey is the DynamoDB sort key attribute name.
	SortKey = "sk"

	// BodyAttr is the attribute name used to store the JSON-encoded cursor.
	BodyAttr = "body"

	// TTLAttr is the attribute name used for DynamoDB TTL-based expiration. The
	// table must have TTL enabled on this attribute.
	TTLAttr = "ttl"

	// CursorSortKey is the sort key value of every cursor record.
	CursorSortKey = "CURSOR"

	// maxBackoff is the maximum backoff duration for retry loops.
	maxBackoff = 2 * time.Second
)

// API is the subset of the DynamoDB client used by [Client].
type API interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	BatchWriteItem(ctx context.Context, params *dynamodb.BatchWriteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
	DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
	DescribeTimeToLive(ctx context.Context, params *dynamodb.DescribeTimeToLiveInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTimeToLiveOutput, error)
}

var _ tail.CursorStore = (*Client)(nil)

// Client is a DynamoDB-backed [tail.CursorStore]. Each tailed file has one
// record keyed by its path, holding the JSON-encoded cursor.
//
// Use [New] to create a Client, [Client.Connect] to initialize the underlying
// DynamoDB connection, and [Client.Init] to validate the table schema.
type Client struct {
	client    API
	tableName string
	awsCfg    *aws.Config
	opts      *Options
}

// New creates a new Client configured with the given AWS config, table name,
// and optional options. Call [Client.Connect] on the returned client before use.
func New(awsCfg *aws.Config, tableName string, opts ...Option) *Client {
	options := newOptions()

	for _, o := range opts {
		o(options)
	}

	return &Client{
		awsCfg:    awsCfg,
		tableName: tableName,
		opts:      options,
	}
}

// Connect initializes the DynamoDB client from the AWS config provided to [New].
// It must be called before any other Client methods, and must complete before
// the Client is used concurrently.
func (c *Client) Connect() error {
	if c.tableName == "" {
		return errors.New("DynamoDB table name cannot be empty")
	}

	if err := c.opts.validate(); err != nil {
		return fmt.Errorf("invalid DynamoDB options: %w", err)
	}

	// Use injected DynamoDB API if provided (useful for testing).
	if c.opts.dynamoDBAPI != nil {
		c.client = c.opts.dynamoDBAPI
		return nil
	}

	if c.awsCfg == nil {
		return errors.New("AWS config cannot be nil")
	}

	c.client = dynamodb.NewFromConfig(*c.awsCfg)

	return nil
}

// Init validates the DynamoDB table schema. It checks that the table exists
// and is active, has the correct partition key (pk) and sort key (sk), and
// has TTL enabled on the ttl attribute.
//
// Pass skipSchemaValidation true to skip all checks and return immediately,
// which is useful when schema validation is managed separately.
func (c *Client) Init(ctx context.Context, skipSchemaValidation bool) error {
	if skipSchemaValidation {
		return nil
	}

	input := &dynamodb.DescribeTableInput{
		TableName: aws.String(c.tableName),
	}

	response, err := c.client.DescribeTable(ctx, input)
	if err != nil {
		var notFoundError *dynamodbtypes.ResourceNotFoundException
		if errors.As(err, &notFoundError) {
			return fmt.Errorf("table %s does not exist", c.tableName)
		}
		return fmt.Errorf("failed to describe table %s: %w", c.tableName, err)
	}

	if response.Table == nil {
		return fmt.Errorf("table %s has no description", c.tableName)
	}

	if err := verifyKeySchema(response.Table.KeySchema); err != nil {
		return fmt.Errorf("table %s: %w", c.tableName, err)
	}

	if response.Table.TableStatus != dynamodbtypes.TableStatusActive {
		return fmt.Errorf("table %s is not active (status: %s)", c.tableName, response.Table.TableStatus)
	}

	ttlInput := &dynamodb.DescribeTimeToLiveInput{
		TableName: aws.String(c.tableName),
	}

	ttlResponse, err := c.client.DescribeTimeToLive(ctx, ttlInput)
	if err != nil {
		return fmt.Errorf("failed to describe TTL for table %s: %w", c.tableName, err)
	}

	if ttlResponse.TimeToLiveDescription == nil {
		return fmt.Errorf("table %s has no TTL description", c.tableName)
	}

	if ttlResponse.TimeToLiveDescription.TimeToLiveStatus != dynamodbtypes.TimeToLiveStatusEnabled {
		return fmt.Errorf("table %s has TTL status %s (expected %s)", c.tableName, ttlResponse.TimeToLiveDescription.TimeToLiveStatus, dynamodbtypes.TimeToLiveStatusEnabled)
	}

	if aws.ToString(ttlResponse.TimeToLiveDescription.AttributeName) != TTLAttr {
		return fmt.Errorf("TTL attribute name for table %s is %s, expected %s", c.tableName, aws.ToString(ttlResponse.TimeToLiveDescription.AttributeName), TTLAttr)
	}

	return nil
}

// Load returns the cursor stored for path, or the zero cursor if none has
// been saved.
func (c *Client) Load(ctx context.Context, path string) (tail.Cursor, error) {
	if path == "" {
		return tail.Cursor{}, errors.New("path cannot be empty")
	}

	input := &dynamodb.GetItemInput{
		TableName:      &c.tableName,
		Key:            cursorKey(path),
		ConsistentRead: aws.Bool(true),
	}

	output, err := c.client.GetItem(ctx, input)
	if err != nil {
		return tail.Cursor{}, fmt.Errorf("failed to read cursor for %s from DynamoDB table %s: %w", path, c.tableName, err)
	}

	if output.Item == nil {
		return tail.Cursor{}, nil
	}

	var cursor tail.Cursor

	if err := json.Unmarshal([]byte(getStringValue(output.Item[BodyAttr])), &cursor); err != nil {
		return tail.Cursor{}, fmt.Errorf("failed to unmarshal cursor for %s: %w", path, err)
	}

	return cursor, nil
}

// Save stores cursor for path. Every save pushes the record's expiry to the
// current time plus the TTL configured via [WithCursorTimeToLive], so only
// cursors of files that stopped changing expire.
func (c *Client) Save(ctx context.Context, path string, cursor tail.Cursor) error {
	if path == "" {
		return errors.New("path cannot be empty")
	}

	if cursor.Offset < 0 {
		return fmt.Errorf("cursor offset for %s cannot be negative", path)
	}

	body, err := json.Marshal(cursor)
	if err != nil {
		return fmt.Errorf("failed to marshal cursor: %w", err)
	}

	ttl := strconv.FormatInt(c.opts.clock().Add(c.opts.cursorTimeToLive).Unix(), 10)

	item := cursorKey(path)
	item[BodyAttr] = &dynamodbtypes.AttributeValueMemberS{Value: string(body)}
	item[TTLAttr] = &dynamodbtypes.AttributeValueMemberN{Value: ttl}

	input := &dynamodb.PutItemInput{
		TableName: &c.tableName,
		Item:      item,
	}

	if _, err := c.client.PutItem(ctx, input); err != nil {
		return fmt.Errorf("failed to write cursor for %s to DynamoDB table %s: %w", path, c.tableName, err)
	}

	return nil
}

// Delete removes the cursor stored for path. Deleting a missing cursor is
// not an error.
func (c *Client) Delete(ctx context.Context, path string) error {
	if path == "" {
		return errors.New("path cannot be empty")
	}

	input := &dynamodb.DeleteItemInput{
		TableName: &c.tableName,
		Key:       cursorKey(path),
	}

	if _, err := c.client.DeleteItem(ctx, input); err != nil {
		return fmt.Errorf("failed to delete cursor for %s from DynamoDB table %s: %w", path, c.tableName, err)
	}

	return nil
}

// DropAllData deletes every item from the DynamoDB table. It scans the table
// in pages and removes each page using BatchWriteItem with exponential backoff
// for unprocessed items.
//
// This method is intended for use in tests only. Do not call it in production.
func (c *Client) DropAllData(ctx context.Context) error {
	input := &dynamodb.ScanInput{
		TableName: aws.String(c.tableName),
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		output, err := c.client.Scan(ctx, input)
		if err != nil {
			return fmt.Errorf("failed to scan DynamoDB table %s: %w", c.tableName, err)
		}

		// Process items in batches of 25 (DynamoDB BatchWriteItem limit).
		for batch := range slices.Chunk(output.Items, 25) {
			if err := c.deleteBatch(ctx, batch); err != nil {
				return err
			}
		}

		if output.LastEvaluatedKey == nil {
			break
		}

		input.ExclusiveStartKey = output.LastEvaluatedKey
	}

	return nil
}

func (c *Client) deleteBatch(ctx context.Context, batch []map[string]dynamodbtypes.AttributeValue) error {
	requestItems := make([]dynamodbtypes.WriteRequest, 0, len(batch))

	for _, item := range batch {
		requestItems = append(requestItems, dynamodbtypes.WriteRequest{
			DeleteRequest: &dynamodbtypes.DeleteRequest{
				Key: map[string]dynamodbtypes.AttributeValue{
					PartitionKey: item[PartitionKey],
					SortKey:      item[SortKey],
				},
			},
		})
	}

	batchInput := &dynamodb.BatchWriteItemInput{
		RequestItems: map[string][]dynamodbtypes.WriteRequest{
			c.tableName: requestItems,
		},
	}

	// Retry with exponential backoff for unprocessed items.
	const maxRetries = 5
	backoff := 50 * time.Millisecond

	for attempt := 0; attempt <= maxRetries; attempt++ {
		batchResult, err := c.client.BatchWriteItem(ctx, batchInput)
		if err != nil {
			return fmt.Errorf("failed to batch delete items from DynamoDB table %s: %w", c.tableName, err)
		}

		if len(batchResult.UnprocessedItems) == 0 {
			return nil
		}

		if attempt == maxRetries {
			return fmt.Errorf("%d unprocessed items after %d retries in DropAllData",
				len(batchResult.UnprocessedItems[c.tableName]), maxRetries)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff = min(backoff*2, maxBackoff)
		batchInput.RequestItems = batchResult.UnprocessedItems
	}

	return nil
}

func cursorKey(path string) map[string]dynamodbtypes.AttributeValue {
	return map[string]dynamodbtypes.AttributeValue{
		PartitionKey: &dynamodbtypes.AttributeValueMemberS{Value: path},
		SortKey:      &dynamodbtypes.AttributeValueMemberS{Value: CursorSortKey},
	}
}

func verifyKeySchema(schema []dynamodbtypes.KeySchemaElement) error {
	if len(schema) < 1 {
		return errors.New("no key schema")
	}

	if aws.ToString(schema[0].AttributeName) != PartitionKey {
		return fmt.Errorf("partition key is %s, expected %s", aws.ToString(schema[0].AttributeName), PartitionKey)
	}

	if len(schema) < 2 {
		return errors.New("simple primary key, expected composite")
	}

	if aws.ToString(schema[1].AttributeName) != SortKey {
		return fmt.Errorf("sort key is %s, expected %s", aws.ToString(schema[1].AttributeName), SortKey)
	}

	return nil
}

// getStringValue extracts the string value from a DynamoDB AttributeValue.
// It returns an empty string if the AttributeValue is not of type AttributeValueMemberS.
func getStringValue(attr dynamodbtypes.AttributeValue) string {
	if attrValue, ok := attr.(*dynamodbtypes.AttributeValueMemberS); ok {
		return attrValue.Value
	}

	return ""
}
