package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/jacentio/waybill/internal/keyspace"
)

// DynamoDBAPI is the subset of *dynamodb.Client used by Store.
type DynamoDBAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	TransactWriteItems(ctx context.Context, params *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

var _ Backend = (*Store)(nil)

// Store is the DynamoDB backend. All records of an instance share one partition.
type Store struct {
	client DynamoDBAPI
	config Config
	now    func() int64
}

// New creates a new Store instance.
func New(client DynamoDBAPI, config Config) *Store {
	config.validate()
	return &Store{
		client: client,
		config: config,
		now:    func() int64 { return time.Now().Unix() },
	}
}

// Config returns the validated configuration.
func (s *Store) Config() Config {
	return s.config
}

// Partition returns the partition key of the configured instance.
func (s *Store) Partition() string {
	return keyspace.Partition(s.config.Instance)
}

// Update runs fn and commits its writes in a single TransactWriteItems call.
func (s *Store) Update(ctx context.Context, fn func(Tx) error) error {
	tx := s.newTx(ctx, false)
	if err := fn(tx); err != nil {
		return err
	}
	return tx.commit()
}

// View runs fn with consistent reads and no writes.
func (s *Store) View(ctx context.Context, fn func(Tx) error) error {
	return fn(s.newTx(ctx, true))
}

// Close is a no-op; the DynamoDB client owns no resources that need releasing.
func (s *Store) Close() error {
	return nil
}

// PropagateRetention raises the TTL of every item in partition to ttl and records
// ttl on the retention marker as propagated_until. Items already retained past ttl
// are left alone. Returns the number of items updated.
func (s *Store) PropagateRetention(ctx context.Context, partition string, ttl int64) (int, error) {
	paginator := dynamodb.NewQueryPaginator(s.client, &dynamodb.QueryInput{
		TableName:              aws.String(s.config.TableName),
		KeyConditionExpression: aws.String("pk = :pk"),
		ProjectionExpression:   aws.String("pk, sk"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: partition},
		},
	})

	updated := 0
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return updated, fmt.Errorf("query partition: %w", err)
		}
		for _, item := range page.Items {
			ok, err := s.extendItemTTL(ctx, PK{"pk": item["pk"], "sk": item["sk"]}, ttl)
			if err != nil {
				return updated, err
			}
			if ok {
				updated++
			}
		}
	}
	if err := s.recordPropagation(ctx, partition, ttl); err != nil {
		return updated, err
	}
	return updated, nil
}

// recordPropagation stores ttl as the propagated_until of the partition's marker.
// Later writes stamp at least that ttl, so every item keeps it. A marker that is
// missing or already records a later value is left alone.
func (s *Store) recordPropagation(ctx context.Context, partition string, ttl int64) error {
	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(s.config.TableName),
		Key: PK{
			"pk": &types.AttributeValueMemberS{Value: partition},
			"sk": &types.AttributeValueMemberS{Value: keyspace.RetentionKey()},
		},
		UpdateExpression:    aws.String("SET #propagated = :ttl"),
		ConditionExpression: aws.String(PropagatedCondition()),
		ExpressionAttributeNames: map[string]string{
			"#propagated": "propagated_until",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":ttl": &types.AttributeValueMemberN{Value: strconv.FormatInt(ttl, 10)},
		},
	})

	var condErr *types.ConditionalCheckFailedException
	if errors.As(err, &condErr) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("record propagation: %w", err)
	}
	return nil
}

// extendItemTTL sets ttl on a single item unless it already lives longer.
func (s *Store) extendItemTTL(ctx context.Context, key PK, ttl int64) (bool, error) {
	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(s.config.TableName),
		Key:                 key,
		UpdateExpression:    aws.String("SET #ttl = :ttl"),
		ConditionExpression: aws.String(ExtendTTLCondition()),
		ExpressionAttributeNames: map[string]string{
			"#ttl": "ttl",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":ttl": &types.AttributeValueMemberN{Value: strconv.FormatInt(ttl, 10)},
		},
	})

	// Condition failure means the item is already retained at least that long
	var condErr *types.ConditionalCheckFailedException
	if errors.As(err, &condErr) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) newTx(ctx context.Context, readOnly bool) *dynamoTx {
	return &dynamoTx{
		ctx:       ctx,
		store:     s,
		readOnly:  readOnly,
		partition: s.Partition(),
		reads:     make(map[string]readState),
		pending:   make(map[string]map[string]types.AttributeValue),
	}
}

// readState remembers what a transaction observed for one sort key.
type readState struct {
	raw     map[string]types.AttributeValue
	exists  bool
	version int64
}

// dynamoTx buffers writes and pins every written item to the state it read.
type dynamoTx struct {
	ctx       context.Context
	store     *Store
	readOnly  bool
	partition string

	reads   map[string]readState
	pending map[string]map[string]types.AttributeValue
	order   []string

	liveUntil      uint64
	liveUntilKnown bool

	// committed is the live_until of the stored retention marker and propagated
	// its propagated_until.
	committed      uint64
	propagated     uint64
	committedKnown bool
}

func (tx *dynamoTx) key(sk string) PK {
	return PK{
		"pk": &types.AttributeValueMemberS{Value: tx.partition},
		"sk": &types.AttributeValueMemberS{Value: sk},
	}
}

// get returns the item at sk as seen by this transaction, including its own writes.
func (tx *dynamoTx) get(sk string) (map[string]types.AttributeValue, bool, error) {
	if item, ok := tx.pending[sk]; ok {
		return item, true, nil
	}
	if rs, ok := tx.reads[sk]; ok {
		return rs.raw, rs.exists, nil
	}

	result, err := tx.store.client.GetItem(tx.ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(tx.store.config.TableName),
		Key:            tx.key(sk),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, false, fmt.Errorf("get %s: %w", sk, err)
	}

	rs := readState{}
	if result.Item != nil {
		expired, err := tx.expired(sk, result.Item)
		if err != nil {
			return nil, false, err
		}
		if !expired {
			rs.raw = result.Item
			rs.exists = true
			rs.version = numberAttr(result.Item, "version")
		}
	}
	tx.reads[sk] = rs
	return rs.raw, rs.exists, nil
}

// expired reports whether item reads as absent. While the instance horizon is in
// the future every record is live, whatever its own ttl says; an item's ttl only
// decides once the whole instance has lapsed and the sweep has not caught up.
func (tx *dynamoTx) expired(sk string, item map[string]types.AttributeValue) (bool, error) {
	if sk != keyspace.RetentionKey() {
		alive, err := tx.instanceAlive()
		if err != nil {
			return false, err
		}
		if alive {
			return false, nil
		}
	}
	return isExpiredAt(item, tx.store.now()), nil
}

// horizon returns the stored instance horizon, read once per transaction.
func (tx *dynamoTx) horizon() (uint64, error) {
	if tx.committedKnown {
		return tx.committed, nil
	}
	if _, _, err := tx.get(keyspace.RetentionKey()); err != nil {
		return 0, err
	}
	if rs := tx.reads[keyspace.RetentionKey()]; rs.exists {
		tx.committed = uint64(numberAttr(rs.raw, "live_until"))
		tx.propagated = uint64(numberAttr(rs.raw, "propagated_until"))
	}
	tx.committedKnown = true
	return tx.committed, nil
}

func (tx *dynamoTx) instanceAlive() (bool, error) {
	h, err := tx.horizon()
	if err != nil {
		return false, err
	}
	return int64(h) > tx.store.now(), nil
}

func (tx *dynamoTx) put(sk, entityType string, item map[string]types.AttributeValue) error {
	if tx.readOnly {
		return ErrReadOnly
	}
	item["entity_type"] = &types.AttributeValueMemberS{Value: entityType}
	if _, ok := tx.pending[sk]; !ok {
		tx.order = append(tx.order, sk)
	}
	tx.pending[sk] = item
	return nil
}

func (tx *dynamoTx) Counter(name CounterName) (uint64, error) {
	raw, ok, err := tx.get(keyspace.CounterKey(string(name)))
	if err != nil || !ok {
		return 0, err
	}
	return uint64(numberAttr(raw, "value")), nil
}

func (tx *dynamoTx) SetCounter(name CounterName, value uint64) error {
	return tx.put(keyspace.CounterKey(string(name)), string(keyspace.KindCounter), map[string]types.AttributeValue{
		"name":  &types.AttributeValueMemberS{Value: string(name)},
		"value": &types.AttributeValueMemberN{Value: strconv.FormatUint(value, 10)},
	})
}

func (tx *dynamoTx) Product(id uint64) (Product, bool, error) {
	if id == 0 {
		return Product{}, false, nil
	}
	raw, ok, err := tx.get(keyspace.ProductKey(id))
	if err != nil || !ok {
		return Product{}, false, err
	}
	var p Product
	if err := attributevalue.UnmarshalMap(raw, &p); err != nil {
		return Product{}, false, fmt.Errorf("unmarshal product %d: %w", id, err)
	}
	return p, true, nil
}

func (tx *dynamoTx) PutProduct(p Product) error {
	if p.ID == 0 {
		return ErrInvalidID
	}
	item, err := attributevalue.MarshalMap(p)
	if err != nil {
		return fmt.Errorf("marshal product %d: %w", p.ID, err)
	}
	return tx.put(p.EntityRef(), p.EntityType(), item)
}

func (tx *dynamoTx) Step(id uint64) (SupplyStep, bool, error) {
	if id == 0 {
		return SupplyStep{}, false, nil
	}
	raw, ok, err := tx.get(keyspace.StepKey(id))
	if err != nil || !ok {
		return SupplyStep{}, false, err
	}
	var step SupplyStep
	if err := attributevalue.UnmarshalMap(raw, &step); err != nil {
		return SupplyStep{}, false, fmt.Errorf("unmarshal step %d: %w", id, err)
	}
	return step, true, nil
}

func (tx *dynamoTx) PutStep(s SupplyStep) error {
	if s.ID == 0 {
		return ErrInvalidID
	}
	if rs, ok := tx.reads[s.EntityRef()]; ok && rs.exists {
		return ErrAlreadyExists
	}
	if _, ok := tx.pending[s.EntityRef()]; ok {
		return ErrAlreadyExists
	}
	item, err := attributevalue.MarshalMap(s)
	if err != nil {
		return fmt.Errorf("marshal step %d: %w", s.ID, err)
	}
	return tx.put(s.EntityRef(), s.EntityType(), item)
}

func (tx *dynamoTx) LiveUntil() (uint64, error) {
	if tx.liveUntilKnown {
		return tx.liveUntil, nil
	}
	h, err := tx.horizon()
	if err != nil {
		return 0, err
	}
	tx.liveUntil = h
	tx.liveUntilKnown = true
	return tx.liveUntil, nil
}

func (tx *dynamoTx) ExtendRetention(now uint64, r Retention) error {
	if tx.readOnly {
		return ErrReadOnly
	}
	current, err := tx.LiveUntil()
	if err != nil {
		return err
	}
	next, changed := r.Extend(now, current)
	if !changed {
		return nil
	}
	tx.liveUntil = next
	if err := tx.touchCounters(); err != nil {
		return err
	}
	marker := map[string]types.AttributeValue{
		"live_until": &types.AttributeValueMemberN{Value: strconv.FormatUint(next, 10)},
	}
	if tx.propagated > 0 {
		marker["propagated_until"] = &types.AttributeValueMemberN{Value: strconv.FormatUint(tx.propagated, 10)}
	}
	return tx.put(keyspace.RetentionKey(), string(keyspace.KindRetention), marker)
}

// touchCounters rewrites both id counters so their ttl follows a moved horizon.
// A counter swept by TTL while the instance lives would hand out ids again.
// Products and steps are left to PropagateRetention.
func (tx *dynamoTx) touchCounters() error {
	for _, name := range []CounterName{CounterProducts, CounterSteps} {
		sk := keyspace.CounterKey(string(name))
		if _, ok := tx.pending[sk]; ok {
			continue
		}
		raw, ok, err := tx.get(sk)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		item := make(map[string]types.AttributeValue, len(raw))
		for k, v := range raw {
			item[k] = v
		}
		if err := tx.put(sk, string(keyspace.KindCounter), item); err != nil {
			return err
		}
	}
	return nil
}

// commit writes every buffered item in one transaction.
func (tx *dynamoTx) commit() error {
	if len(tx.pending) == 0 {
		return nil
	}

	alive, err := tx.instanceAlive()
	if err != nil {
		return err
	}

	// Items never carry a ttl below the last propagated one.
	ttl := tx.liveUntil
	if tx.propagated > ttl {
		ttl = tx.propagated
	}

	now := time.Now().UTC().Format(time.RFC3339)
	items := make([]types.TransactWriteItem, 0, len(tx.order))
	for _, sk := range tx.order {
		item := tx.pending[sk]
		rs := tx.reads[sk]

		item["pk"] = &types.AttributeValueMemberS{Value: tx.partition}
		item["sk"] = &types.AttributeValueMemberS{Value: sk}
		item["version"] = &types.AttributeValueMemberN{Value: strconv.FormatInt(rs.version+1, 10)}
		item["updated_at"] = &types.AttributeValueMemberS{Value: now}
		if tx.liveUntilKnown && ttl > 0 {
			item["ttl"] = &types.AttributeValueMemberN{Value: strconv.FormatUint(ttl, 10)}
		}

		put := &types.Put{
			TableName: aws.String(tx.store.config.TableName),
			Item:      item,
		}
		if rs.exists {
			put.ConditionExpression = aws.String(VersionCondition())
			put.ExpressionAttributeNames = map[string]string{"#version": "version"}
			put.ExpressionAttributeValues = map[string]types.AttributeValue{
				":expected": &types.AttributeValueMemberN{Value: strconv.FormatInt(rs.version, 10)},
			}
		} else if alive {
			put.ConditionExpression = aws.String(StrictAbsentCondition())
		} else {
			put.ConditionExpression = aws.String(AbsentCondition())
			put.ExpressionAttributeNames = map[string]string{"#ttl": "ttl"}
			put.ExpressionAttributeValues = map[string]types.AttributeValue{
				":now": &types.AttributeValueMemberN{Value: strconv.FormatInt(tx.store.now(), 10)},
			}
		}
		items = append(items, types.TransactWriteItem{Put: put})
	}

	_, err = tx.store.client.TransactWriteItems(tx.ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: items,
	})
	return tx.mapCommitError(err)
}

// mapCommitError maps transaction cancellation reasons to domain errors.
// Only a step put rejected on its own means the id is taken; a failed counter or
// product condition means another writer won the race.
func (tx *dynamoTx) mapCommitError(err error) error {
	if err == nil {
		return nil
	}

	var txErr *types.TransactionCanceledException
	if !errors.As(err, &txErr) {
		return err
	}

	stepRejected := false
	for i, reason := range txErr.CancellationReasons {
		if reason.Code == nil {
			continue
		}
		switch *reason.Code {
		case "ConditionalCheckFailed":
			if i < len(tx.order) {
				if kind, _, _, ok := keyspace.Parse(tx.order[i]); ok && kind == keyspace.KindStep {
					stepRejected = true
					continue
				}
			}
			return ErrConcurrentModification
		case "TransactionConflict":
			return ErrConcurrentModification
		}
	}
	if stepRejected {
		return ErrAlreadyExists
	}
	return err
}

// numberAttr reads a numeric attribute, 0 when missing or malformed.
func numberAttr(item map[string]types.AttributeValue, key string) int64 {
	v, ok := item[key].(*types.AttributeValueMemberN)
	if !ok {
		return 0
	}
	n, _ := strconv.ParseInt(v.Value, 10, 64)
	return n
}
