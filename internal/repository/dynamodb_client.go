package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"

	"catalog-assistant/internal/domain"
	"catalog-assistant/internal/session"
)

const (
	skMeta           = "META#"
	skPrefixTurn     = "TURN#"
	defaultTTL       = 30 * time.Minute
	defaultRetention = 7 * 24 * time.Hour
)

// ErrConflict is returned when another writer changed the session between
// read and write.
var ErrConflict = errors.New("repository: session was modified concurrently")

// dynamodbAPI is the minimal DynamoDB interface required by Client.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// Client is a session.Store backed by a single DynamoDB table.
//
// Every session has one META# item holding the epoch, turn count, activity
// time and last known location, plus one TURN#<epoch>#<seq> item per turn.
// Clear starts a new epoch; turns of earlier epochs are never read again and
// age out through the table's ttl attribute.
type Client struct {
	api       dynamodbAPI
	tableName string
	ttl       time.Duration
	retention time.Duration
	now       func() time.Time
	newID     func() string
}

type Option func(*Client)

// WithTTL sets the inactivity timeout after which a session reads as not found.
func WithTTL(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.ttl = d
		}
	}
}

// WithRetention sets how long turn items are kept before the table ttl
// removes them.
func WithRetention(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.retention = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

func WithIDGenerator(gen func() string) Option {
	return func(c *Client) { c.newID = gen }
}

// New creates a new repository Client.
func New(api dynamodbAPI, tableName string, opts ...Option) (*Client, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	c := &Client{
		api:       api,
		tableName: tableName,
		ttl:       defaultTTL,
		retention: defaultRetention,
		now:       func() time.Time { return time.Now().UTC() },
		newID:     uuid.NewString,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

var _ session.Store = (*Client)(nil)

// sessionPK returns the DynamoDB partition key for a session.
func sessionPK(id string) string {
	return "SESSION#" + id
}

// turnSK returns the sort key of turn seq in epoch. Both parts are zero
// padded so items sort chronologically.
func turnSK(epoch, seq int) string {
	return fmt.Sprintf("%s%06d#%06d", skPrefixTurn, epoch, seq)
}

func epochPrefix(epoch int) string {
	return fmt.Sprintf("%s%06d#", skPrefixTurn, epoch)
}

type meta struct {
	ID         string
	Epoch      int
	Turns      int
	CreatedAt  time.Time
	LastActive time.Time
	Location   *domain.Location
}

func (c *Client) Create(ctx context.Context) (domain.Session, error) {
	now := c.now()
	m := meta{ID: c.newID(), Epoch: 1, Turns: 1, CreatedAt: now, LastActive: now}
	greeting := session.GreetingTurn(now)

	_, err := c.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{
				Put: &types.Put{
					TableName:           aws.String(c.tableName),
					Item:                c.metaItem(m),
					ConditionExpression: aws.String("attribute_not_exists(PK)"),
				},
			},
			{
				Put: &types.Put{
					TableName: aws.String(c.tableName),
					Item:      c.turnItem(m.ID, m.Epoch, 0, greeting),
				},
			},
		},
	})
	if err != nil {
		return domain.Session{}, fmt.Errorf("repository: Create: %w", err)
	}
	return domain.Session{
		ID:           m.ID,
		Turns:        []domain.Turn{greeting},
		CreatedAt:    now,
		LastActiveAt: now,
	}, nil
}

func (c *Client) Get(ctx context.Context, id string) (domain.Session, error) {
	m, err := c.loadMeta(ctx, id)
	if err != nil {
		return domain.Session{}, err
	}
	turns, err := c.loadTurns(ctx, id, m.Epoch)
	if err != nil {
		return domain.Session{}, err
	}
	return domain.Session{
		ID:                id,
		Turns:             turns,
		CreatedAt:         m.CreatedAt,
		LastActiveAt:      m.LastActive,
		LastKnownLocation: m.Location,
	}, nil
}

// Append writes turns after the current last turn and refreshes the activity
// time in one transaction. The META# update is conditioned on the epoch and
// turn count read beforehand.
func (c *Client) Append(ctx context.Context, id string, turns ...domain.Turn) (domain.Session, error) {
	m, err := c.loadMeta(ctx, id)
	if err != nil {
		return domain.Session{}, err
	}
	if len(turns) == 0 {
		return c.Get(ctx, id)
	}

	now := c.now()
	items := make([]types.TransactWriteItem, 0, len(turns)+1)
	for i, t := range turns {
		items = append(items, types.TransactWriteItem{
			Put: &types.Put{
				TableName:           aws.String(c.tableName),
				Item:                c.turnItem(id, m.Epoch, m.Turns+i, t),
				ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
			},
		})
	}
	items = append(items, types.TransactWriteItem{
		Update: &types.Update{
			TableName:           aws.String(c.tableName),
			Key:                 c.metaKey(id),
			UpdateExpression:    aws.String("SET turns = :turns, lastActive = :now, #ttl = :ttl"),
			ConditionExpression: aws.String("epoch = :epoch AND turns = :prev"),
			ExpressionAttributeNames: map[string]string{
				"#ttl": "ttl",
			},
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":turns": numAttr(m.Turns + len(turns)),
				":prev":  numAttr(m.Turns),
				":epoch": numAttr(m.Epoch),
				":now":   &types.AttributeValueMemberS{Value: now.Format(time.RFC3339Nano)},
				":ttl":   numAttr64(now.Add(c.ttl).Unix()),
			},
		},
	})

	if _, err := c.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: items}); err != nil {
		return domain.Session{}, fmt.Errorf("repository: Append: %w", conflict(err))
	}
	return c.Get(ctx, id)
}

func (c *Client) SetLocation(ctx context.Context, id string, loc domain.Location) error {
	_, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(c.tableName),
		Key:                 c.metaKey(id),
		UpdateExpression:    aws.String("SET lat = :lat, lon = :lon"),
		ConditionExpression: aws.String("attribute_exists(PK)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":lat": floatAttr(loc.Latitude),
			":lon": floatAttr(loc.Longitude),
		},
	})
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return session.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("repository: SetLocation: %w", err)
	}
	return nil
}

// Clear moves the session to a new epoch seeded with the greeting. The last
// known location survives.
func (c *Client) Clear(ctx context.Context, id string) error {
	m, err := c.loadMeta(ctx, id)
	if err != nil {
		return err
	}
	now := c.now()
	epoch := m.Epoch + 1

	_, err = c.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{
				Update: &types.Update{
					TableName:           aws.String(c.tableName),
					Key:                 c.metaKey(id),
					UpdateExpression:    aws.String("SET epoch = :next, turns = :one, lastActive = :now, #ttl = :ttl"),
					ConditionExpression: aws.String("epoch = :epoch"),
					ExpressionAttributeNames: map[string]string{
						"#ttl": "ttl",
					},
					ExpressionAttributeValues: map[string]types.AttributeValue{
						":next":  numAttr(epoch),
						":one":   numAttr(1),
						":epoch": numAttr(m.Epoch),
						":now":   &types.AttributeValueMemberS{Value: now.Format(time.RFC3339Nano)},
						":ttl":   numAttr64(now.Add(c.ttl).Unix()),
					},
				},
			},
			{
				Put: &types.Put{
					TableName: aws.String(c.tableName),
					Item:      c.turnItem(id, epoch, 0, session.GreetingTurn(now)),
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("repository: Clear: %w", conflict(err))
	}
	return nil
}

// EvictExpired is a no-op: expired items are removed by the table's ttl
// attribute and stale sessions already read as not found.
func (c *Client) EvictExpired(_ context.Context, _ time.Time) (int, error) {
	return 0, nil
}

func (c *Client) loadMeta(ctx context.Context, id string) (meta, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(c.tableName),
		Key:            c.metaKey(id),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return meta{}, fmt.Errorf("repository: get session meta: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return meta{}, session.ErrNotFound
	}
	m, err := itemToMeta(id, out.Item)
	if err != nil {
		return meta{}, fmt.Errorf("repository: decode session meta: %w", err)
	}
	if !c.now().Before(m.LastActive.Add(c.ttl)) {
		return meta{}, session.ErrNotFound
	}
	return m, nil
}

func (c *Client) loadTurns(ctx context.Context, id string, epoch int) ([]domain.Turn, error) {
	in := &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: sessionPK(id)},
			":prefix": &types.AttributeValueMemberS{Value: epochPrefix(epoch)},
		},
		ScanIndexForward: aws.Bool(true),
		ConsistentRead:   aws.Bool(true),
	}

	var turns []domain.Turn
	for {
		out, err := c.api.Query(ctx, in)
		if err != nil {
			return nil, fmt.Errorf("repository: query turns: %w", err)
		}
		for _, item := range out.Items {
			t, err := itemToTurn(item)
			if err != nil {
				return nil, fmt.Errorf("repository: decode turn: %w", err)
			}
			turns = append(turns, t)
		}
		if len(out.LastEvaluatedKey) == 0 {
			return turns, nil
		}
		in.ExclusiveStartKey = out.LastEvaluatedKey
	}
}

func (c *Client) metaKey(id string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: sessionPK(id)},
		"SK": &types.AttributeValueMemberS{Value: skMeta},
	}
}

func (c *Client) metaItem(m meta) map[string]types.AttributeValue {
	item := map[string]types.AttributeValue{
		"PK":         &types.AttributeValueMemberS{Value: sessionPK(m.ID)},
		"SK":         &types.AttributeValueMemberS{Value: skMeta},
		"sessionId":  &types.AttributeValueMemberS{Value: m.ID},
		"epoch":      numAttr(m.Epoch),
		"turns":      numAttr(m.Turns),
		"createdAt":  &types.AttributeValueMemberS{Value: m.CreatedAt.Format(time.RFC3339Nano)},
		"lastActive": &types.AttributeValueMemberS{Value: m.LastActive.Format(time.RFC3339Nano)},
		"ttl":        numAttr64(m.LastActive.Add(c.ttl).Unix()),
	}
	if m.Location != nil {
		item["lat"] = floatAttr(m.Location.Latitude)
		item["lon"] = floatAttr(m.Location.Longitude)
	}
	return item
}

func (c *Client) turnItem(id string, epoch, seq int, t domain.Turn) map[string]types.AttributeValue {
	item := map[string]types.AttributeValue{
		"PK":             &types.AttributeValueMemberS{Value: sessionPK(id)},
		"SK":             &types.AttributeValueMemberS{Value: turnSK(epoch, seq)},
		"role":           &types.AttributeValueMemberS{Value: t.Role},
		"text":           &types.AttributeValueMemberS{Value: t.Text},
		"purchaseSignal": &types.AttributeValueMemberBOOL{Value: t.PurchaseSignal},
		"ts":             &types.AttributeValueMemberS{Value: t.Timestamp.UTC().Format(time.RFC3339Nano)},
		"ttl":            numAttr64(c.now().Add(c.retention).Unix()),
	}
	if len(t.References) > 0 {
		item["references"] = jsonAttr(t.References)
	}
	if len(t.Stores) > 0 {
		item["stores"] = jsonAttr(t.Stores)
	}
	return item
}

// itemToMeta converts a META# attribute map.
func itemToMeta(id string, item map[string]types.AttributeValue) (meta, error) {
	epoch, err := intAttr(item, "epoch")
	if err != nil {
		return meta{}, err
	}
	turns, err := intAttr(item, "turns")
	if err != nil {
		return meta{}, err
	}
	lastActive, err := timeAttr(item, "lastActive")
	if err != nil {
		return meta{}, err
	}
	createdAt, err := timeAttr(item, "createdAt")
	if err != nil {
		createdAt = lastActive
	}
	m := meta{ID: id, Epoch: epoch, Turns: turns, CreatedAt: createdAt, LastActive: lastActive}

	lat, latErr := floatFrom(item, "lat")
	lon, lonErr := floatFrom(item, "lon")
	if latErr == nil && lonErr == nil {
		m.Location = &domain.Location{Latitude: lat, Longitude: lon}
	}
	return m, nil
}

// itemToTurn converts a TURN# attribute map to a Turn.
func itemToTurn(item map[string]types.AttributeValue) (domain.Turn, error) {
	role, err := strAttr(item, "role")
	if err != nil {
		return domain.Turn{}, err
	}
	text, err := strAttr(item, "text")
	if err != nil {
		return domain.Turn{}, err
	}
	t := domain.Turn{Role: role, Text: text}
	if ts, err := timeAttr(item, "ts"); err == nil {
		t.Timestamp = ts
	}
	if v, ok := item["purchaseSignal"].(*types.AttributeValueMemberBOOL); ok {
		t.PurchaseSignal = v.Value
	}
	if raw, err := strAttr(item, "references"); err == nil {
		if err := json.Unmarshal([]byte(raw), &t.References); err != nil {
			return domain.Turn{}, fmt.Errorf("repository: attribute \"references\": %w", err)
		}
	}
	if raw, err := strAttr(item, "stores"); err == nil {
		if err := json.Unmarshal([]byte(raw), &t.Stores); err != nil {
			return domain.Turn{}, fmt.Errorf("repository: attribute \"stores\": %w", err)
		}
	}
	return t, nil
}

// conflict maps a cancelled transaction caused by a failed condition to
// ErrConflict.
func conflict(err error) error {
	var tce *types.TransactionCanceledException
	if !errors.As(err, &tce) {
		return err
	}
	for _, r := range tce.CancellationReasons {
		if aws.ToString(r.Code) == "ConditionalCheckFailed" {
			return fmt.Errorf("%w: %v", ErrConflict, err)
		}
	}
	return err
}

func numAttr(n int) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.Itoa(n)}
}

func numAttr64(n int64) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(n, 10)}
}

func floatAttr(f float64) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.FormatFloat(f, 'f', -1, 64)}
}

func jsonAttr(v any) types.AttributeValue {
	raw, _ := json.Marshal(v)
	return &types.AttributeValueMemberS{Value: string(raw)}
}

func strAttr(item map[string]types.AttributeValue, key string) (string, error) {
	v, ok := item[key]
	if !ok {
		return "", fmt.Errorf("repository: missing attribute %q", key)
	}
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("repository: attribute %q is not a string", key)
	}
	return s.Value, nil
}

func intAttr(item map[string]types.AttributeValue, key string) (int, error) {
	v, ok := item[key]
	if !ok {
		return 0, fmt.Errorf("repository: missing attribute %q", key)
	}
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("repository: attribute %q is not a number", key)
	}
	parsed, err := strconv.Atoi(n.Value)
	if err != nil {
		return 0, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return parsed, nil
}

func floatFrom(item map[string]types.AttributeValue, key string) (float64, error) {
	v, ok := item[key].(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("repository: attribute %q is not a number", key)
	}
	return strconv.ParseFloat(v.Value, 64)
}

func timeAttr(item map[string]types.AttributeValue, key string) (time.Time, error) {
	s, err := strAttr(item, key)
	if err != nil {
		return time.Time{}, err
	}
	ts, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return ts, nil
}
