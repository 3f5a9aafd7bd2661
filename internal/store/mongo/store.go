// Package mongo stores credit accounts as MongoDB documents.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"creditscribe.org/internal/ledger"
)

const colAccounts = "credit_accounts"

var _ ledger.Store = (*Store)(nil)

// Store implements ledger.Store on a single collection.
type Store struct {
	client *mongo.Client
	col    *mongo.Collection
}

// Open connects to uri and prepares the accounts collection in database.
func Open(ctx context.Context, uri, database string) (*Store, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("credits/mongo: connect: %w", err)
	}
	s := &Store{client: client, col: client.Database(database).Collection(colAccounts)}
	if err := s.Migrate(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return s, nil
}

// Migrate creates the collection indexes.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.col.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "email", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "tokens.secret_hash", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("credits/mongo: migrate indexes: %w", err)
	}
	return nil
}

// Drop removes the collection. Used by tests.
func (s *Store) Drop(ctx context.Context) error {
	return s.col.Database().Drop(ctx)
}

func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

func (s *Store) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

func (s *Store) CreateAccount(ctx context.Context, acct ledger.Account, opening *ledger.Entry) (ledger.Account, error) {
	if acct.ID == "" {
		return ledger.Account{}, ledger.ErrInvalidEntry
	}
	if opening != nil && (!opening.Kind.Valid() || opening.Amount <= 0 || opening.Signed() != acct.Balance) {
		return ledger.Account{}, ledger.ErrInvalidEntry
	}
	if opening == nil && acct.Balance != 0 {
		return ledger.Account{}, ledger.ErrInvalidEntry
	}
	acct.Email = strings.ToLower(strings.TrimSpace(acct.Email))
	doc := toAccountDoc(acct)
	if opening != nil {
		first := *opening
		first.Seq = 1
		at := first.CreatedAt.UTC()
		doc.EntrySeq, doc.LastEntryAt = 1, &at
		doc.Entries = append(doc.Entries, toEntryDoc(first))
	}
	if _, err := s.col.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return ledger.Account{}, ledger.ErrAccountExists
		}
		return ledger.Account{}, fmt.Errorf("credits/mongo: create account: %w", err)
	}
	return doc.account(), nil
}

var accountProjection = bson.M{"entries": 0, "tokens": 0}

// maxApplyAttempts bounds retries when a conditional miss turns out to have
// been raced by another change.
const maxApplyAttempts = 5

func (s *Store) Account(ctx context.Context, id string) (ledger.Account, error) {
	return s.findAccount(ctx, bson.M{"_id": id})
}

func (s *Store) AccountByEmail(ctx context.Context, email string) (ledger.Account, error) {
	return s.findAccount(ctx, bson.M{"email": strings.ToLower(strings.TrimSpace(email))})
}

func (s *Store) findAccount(ctx context.Context, filter bson.M) (ledger.Account, error) {
	var doc accountDoc
	err := s.col.FindOne(ctx, filter, options.FindOne().SetProjection(accountProjection)).Decode(&doc)
	if err != nil {
		if isNoDocuments(err) {
			return ledger.Account{}, ledger.ErrAccountNotFound
		}
		return ledger.Account{}, fmt.Errorf("credits/mongo: get account: %w", err)
	}
	return doc.account(), nil
}

func (s *Store) SetActive(ctx context.Context, id string, active bool) error {
	return s.updateAccount(ctx, id, bson.M{"$set": bson.M{"active": active}})
}

func (s *Store) TouchLogin(ctx context.Context, id string, at time.Time) error {
	return s.updateAccount(ctx, id, bson.M{"$set": bson.M{"last_login_at": at.UTC()}})
}

func (s *Store) updateAccount(ctx context.Context, id string, update bson.M) error {
	res, err := s.col.UpdateOne(ctx, bson.M{"_id": id}, update)
	if err != nil {
		return fmt.Errorf("credits/mongo: update account: %w", err)
	}
	if res.MatchedCount == 0 {
		return ledger.ErrAccountNotFound
	}
	return nil
}

func (s *Store) Apply(ctx context.Context, accountID string, e ledger.Entry) (ledger.Entry, int64, error) {
	if !e.Kind.Valid() || e.Amount <= 0 {
		return ledger.Entry{}, 0, ledger.ErrInvalidEntry
	}
	for attempt := 0; attempt < maxApplyAttempts; attempt++ {
		stamped, balance, err := s.applyOnce(ctx, accountID, e)
		if err == nil {
			return stamped, balance, nil
		}
		if !isNoDocuments(err) {
			return ledger.Entry{}, 0, fmt.Errorf("credits/mongo: apply: %w", err)
		}
		current, err := s.Account(ctx, accountID)
		if err != nil {
			return ledger.Entry{}, 0, err
		}
		if err := ledger.Rejection(e, current.Balance, current.Active); err != nil {
			return ledger.Entry{}, 0, err
		}
	}
	return ledger.Entry{}, 0, fmt.Errorf("credits/mongo: apply: account %s kept changing", accountID)
}

// applyOnce performs the conditional update as a pipeline so the new entry
// can take its sequence and timestamp from the document being updated.
func (s *Store) applyOnce(ctx context.Context, accountID string, e ledger.Entry) (ledger.Entry, int64, error) {
	filter := bson.M{"_id": accountID, "active": true}
	if e.Kind == ledger.KindUsed {
		filter["balance"] = bson.M{"$gte": e.Amount}
	} else {
		filter["balance"] = bson.M{"$lte": ledger.CreditLimit(e.Amount)}
	}
	opts := options.FindOneAndUpdate().
		SetReturnDocument(options.After).
		SetProjection(bson.M{"balance": 1, "entry_seq": 1, "last_entry_at": 1})

	var doc accountDoc
	if err := s.col.FindOneAndUpdate(ctx, filter, applyPipeline(e), opts).Decode(&doc); err != nil {
		return ledger.Entry{}, 0, err
	}
	stamped := e
	stamped.Seq = doc.EntrySeq
	if doc.LastEntryAt != nil {
		stamped.CreatedAt = doc.LastEntryAt.UTC()
	}
	return stamped, doc.Balance, nil
}

// applyPipeline moves the balance, advances entry_seq, raises last_entry_at
// to at least e.CreatedAt and appends the entry stamped with both. User text
// goes through $literal so it is never read as an expression.
func applyPipeline(e ledger.Entry) mongo.Pipeline {
	return mongo.Pipeline{
		{{Key: "$set", Value: bson.D{
			{Key: "balance", Value: bson.M{"$add": bson.A{"$balance", e.Signed()}}},
			{Key: "entry_seq", Value: bson.M{"$add": bson.A{bson.M{"$ifNull": bson.A{"$entry_seq", 0}}, 1}}},
			{Key: "last_entry_at", Value: bson.M{"$max": bson.A{e.CreatedAt.UTC(), "$last_entry_at"}}},
		}}},
		{{Key: "$set", Value: bson.D{
			{Key: "entries", Value: bson.M{"$concatArrays": bson.A{
				bson.M{"$ifNull": bson.A{"$entries", bson.A{}}},
				bson.A{bson.D{
					{Key: "id", Value: bson.M{"$literal": e.ID}},
					{Key: "seq", Value: "$entry_seq"},
					{Key: "kind", Value: bson.M{"$literal": string(e.Kind)}},
					{Key: "amount", Value: bson.M{"$literal": e.Amount}},
					{Key: "feature", Value: bson.M{"$literal": e.Feature}},
					{Key: "description", Value: bson.M{"$literal": e.Description}},
					{Key: "created_at", Value: "$last_entry_at"},
				}},
			}}},
		}}},
	}
}

func (s *Store) Entries(ctx context.Context, accountID string) ([]ledger.Entry, error) {
	var doc accountDoc
	err := s.col.FindOne(ctx, bson.M{"_id": accountID}, options.FindOne().SetProjection(bson.M{"entries": 1})).Decode(&doc)
	if err != nil {
		if isNoDocuments(err) {
			return nil, ledger.ErrAccountNotFound
		}
		return nil, fmt.Errorf("credits/mongo: entries: %w", err)
	}
	out := make([]ledger.Entry, 0, len(doc.Entries))
	for _, e := range doc.Entries {
		out = append(out, e.entry())
	}
	ledger.SortNewestFirst(out)
	return out, nil
}

func (s *Store) AddToken(ctx context.Context, tok ledger.AccessToken) error {
	if tok.ID == "" || tok.SecretHash == "" {
		return ledger.ErrInvalidEntry
	}
	res, err := s.col.UpdateOne(ctx,
		bson.M{"_id": tok.AccountID},
		bson.M{"$push": bson.M{"tokens": toTokenDoc(tok)}},
	)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return ledger.ErrInvalidEntry
		}
		return fmt.Errorf("credits/mongo: add token: %w", err)
	}
	if res.MatchedCount == 0 {
		return ledger.ErrAccountNotFound
	}
	return nil
}

func (s *Store) Tokens(ctx context.Context, accountID string) ([]ledger.AccessToken, error) {
	var doc accountDoc
	err := s.col.FindOne(ctx, bson.M{"_id": accountID}, options.FindOne().SetProjection(bson.M{"tokens": 1})).Decode(&doc)
	if err != nil {
		if isNoDocuments(err) {
			return nil, ledger.ErrAccountNotFound
		}
		return nil, fmt.Errorf("credits/mongo: tokens: %w", err)
	}
	out := make([]ledger.AccessToken, 0, len(doc.Tokens))
	for _, t := range doc.Tokens {
		out = append(out, t.token(accountID))
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) DeactivateToken(ctx context.Context, accountID, tokenID string) error {
	res, err := s.col.UpdateOne(ctx,
		bson.M{"_id": accountID, "tokens.id": tokenID},
		bson.M{"$set": bson.M{"tokens.$.active": false}},
	)
	if err != nil {
		return fmt.Errorf("credits/mongo: deactivate token: %w", err)
	}
	if res.MatchedCount == 0 {
		if _, err := s.Account(ctx, accountID); err != nil {
			return err
		}
		return ledger.ErrTokenNotFound
	}
	return nil
}

func (s *Store) ResolveToken(ctx context.Context, secretHash string, now time.Time) (string, error) {
	filter := bson.M{"tokens": bson.M{"$elemMatch": bson.M{
		"secret_hash": secretHash,
		"active":      true,
		"expires_at":  bson.M{"$gt": now.UTC()},
	}}}
	var doc accountDoc
	err := s.col.FindOne(ctx, filter, options.FindOne().SetProjection(bson.M{"_id": 1})).Decode(&doc)
	if err != nil {
		if isNoDocuments(err) {
			return "", ledger.ErrTokenNotFound
		}
		return "", fmt.Errorf("credits/mongo: resolve token: %w", err)
	}
	return doc.ID, nil
}

func isNoDocuments(err error) bool {
	return errors.Is(err, mongo.ErrNoDocuments)
}
