package account

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const accountsCollection = "accounts"

// MongoRepository stores each account as one document with embedded refresh tokens
// and security events. Capped arrays are maintained with $push/$slice.
type MongoRepository struct {
	coll *mongo.Collection
}

func NewMongoRepository(db *mongo.Database) *MongoRepository {
	return &MongoRepository{coll: db.Collection(accountsCollection)}
}

func (r *MongoRepository) EnsureIndexes(ctx context.Context) error {
	_, err := r.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "email", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys:    bson.D{{Key: "university_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys:    bson.D{{Key: "password_reset_token", Value: 1}},
			Options: options.Index().SetSparse(true),
		},
		{
			Keys: bson.D{{Key: "refresh_tokens.expires_at", Value: 1}},
		},
	})
	if err != nil {
		return fmt.Errorf("create account indexes: %w", err)
	}

	return nil
}

var (
	secretsProjection  = bson.M{"password_hash": 0, "two_factor_secret": 0}
	identityProjection = bson.M{
		"password_hash":     0,
		"two_factor_secret": 0,
		"refresh_tokens":    0,
		"security_events":   0,
	}
)

func (r *MongoRepository) Insert(ctx context.Context, acc Account) error {
	if acc.RefreshTokens == nil {
		acc.RefreshTokens = []RefreshToken{}
	}
	if acc.SecurityEvents == nil {
		acc.SecurityEvents = []SecurityEvent{}
	}

	if _, err := r.coll.InsertOne(ctx, acc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("insert account: %w", err)
	}

	return nil
}

func (r *MongoRepository) FindByEmail(ctx context.Context, email string, withSecrets bool) (Account, error) {
	return r.findOne(ctx, bson.M{"email": email}, withSecrets, "email")
}

func (r *MongoRepository) FindByID(ctx context.Context, id string, withSecrets bool) (Account, error) {
	return r.findOne(ctx, bson.M{"_id": id}, withSecrets, "id")
}

func (r *MongoRepository) FindIdentity(ctx context.Context, id string) (Account, error) {
	return r.find(ctx, bson.M{"_id": id}, options.FindOne().SetProjection(identityProjection), "id")
}

func (r *MongoRepository) findOne(ctx context.Context, filter bson.M, withSecrets bool, by string) (Account, error) {
	opts := options.FindOne()
	if !withSecrets {
		opts.SetProjection(secretsProjection)
	}
	return r.find(ctx, filter, opts, by)
}

func (r *MongoRepository) find(ctx context.Context, filter bson.M, opts *options.FindOneOptions, by string) (Account, error) {
	var acc Account
	if err := r.coll.FindOne(ctx, filter, opts).Decode(&acc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return Account{}, ErrNotFound
		}
		return Account{}, fmt.Errorf("find account by %s: %w", by, err)
	}

	return acc, nil
}

func (r *MongoRepository) RegisterFailedAttempt(ctx context.Context, id string, maxAttempts int, lockUntil, now time.Time) (LockState, error) {
	currentLock := bson.M{"$ifNull": bson.A{"$lock_until", nil}}
	lockExpired := bson.M{"$and": bson.A{
		bson.M{"$ne": bson.A{currentLock, nil}},
		bson.M{"$lte": bson.A{currentLock, now}},
	}}
	nextCount := bson.M{"$add": bson.A{bson.M{"$ifNull": bson.A{"$failed_attempts", 0}}, 1}}
	reachesLimit := bson.M{"$and": bson.A{
		bson.M{"$eq": bson.A{currentLock, nil}},
		bson.M{"$gte": bson.A{nextCount, maxAttempts}},
	}}

	// Every expression in one $set stage reads the pre-update document.
	pipeline := mongo.Pipeline{
		{{Key: "$set", Value: bson.M{
			"failed_attempts": bson.M{"$cond": bson.A{lockExpired, 1, nextCount}},
			"lock_until": bson.M{"$cond": bson.A{
				lockExpired,
				nil,
				bson.M{"$cond": bson.A{reachesLimit, lockUntil, currentLock}},
			}},
			"updated_at": now,
		}}},
	}

	opts := options.FindOneAndUpdate().
		SetReturnDocument(options.After).
		SetProjection(bson.M{"failed_attempts": 1, "lock_until": 1})

	var out struct {
		FailedAttempts int        `bson:"failed_attempts"`
		LockUntil      *time.Time `bson:"lock_until"`
	}
	if err := r.coll.FindOneAndUpdate(ctx, bson.M{"_id": id}, pipeline, opts).Decode(&out); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return LockState{}, ErrNotFound
		}
		return LockState{}, fmt.Errorf("register failed attempt: %w", err)
	}

	state := LockState{FailedAttempts: out.FailedAttempts}
	if out.LockUntil != nil {
		until := out.LockUntil.UTC()
		state.LockUntil = &until
	}
	return state, nil
}

func (r *MongoRepository) RecordLogin(ctx context.Context, id, address string, at time.Time) error {
	return r.updateOne(ctx, "record login", id, bson.M{"$set": bson.M{
		"failed_attempts": 0,
		"lock_until":      nil,
		"last_login_at":   at,
		"last_login_ip":   address,
		"updated_at":      at,
	}})
}

func (r *MongoRepository) ClearLock(ctx context.Context, id string, at time.Time) error {
	return r.updateOne(ctx, "clear lock", id, bson.M{"$set": bson.M{
		"failed_attempts": 0,
		"lock_until":      nil,
		"updated_at":      at,
	}})
}

func (r *MongoRepository) AppendSecurityEvent(ctx context.Context, id string, event SecurityEvent, keep int) error {
	return r.updateOne(ctx, "append security event", id, bson.M{"$push": bson.M{
		"security_events": bson.M{"$each": bson.A{event}, "$slice": -keep},
	}})
}

func (r *MongoRepository) SecurityEvents(ctx context.Context, id string, limit int) ([]SecurityEvent, error) {
	opts := options.FindOne().SetProjection(bson.M{
		"security_events": bson.M{"$slice": -limit},
	})

	var out struct {
		SecurityEvents []SecurityEvent `bson:"security_events"`
	}
	if err := r.coll.FindOne(ctx, bson.M{"_id": id}, opts).Decode(&out); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("find security events: %w", err)
	}

	if out.SecurityEvents == nil {
		return []SecurityEvent{}, nil
	}
	return out.SecurityEvents, nil
}

func (r *MongoRepository) AddRefreshToken(ctx context.Context, id string, token RefreshToken, keep int) error {
	return r.updateOne(ctx, "add refresh token", id, bson.M{"$push": bson.M{
		"refresh_tokens": bson.M{"$each": bson.A{token}, "$slice": -keep},
	}})
}

func (r *MongoRepository) RemoveRefreshToken(ctx context.Context, id, tokenHash string) error {
	_, err := r.coll.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$pull": bson.M{
		"refresh_tokens": bson.M{"token_hash": tokenHash},
	}})
	if err != nil {
		return fmt.Errorf("remove refresh token: %w", err)
	}

	return nil
}

func (r *MongoRepository) HasRefreshToken(ctx context.Context, id, tokenHash string, now time.Time) (bool, error) {
	n, err := r.coll.CountDocuments(ctx, bson.M{
		"_id": id,
		"refresh_tokens": bson.M{"$elemMatch": bson.M{
			"token_hash": tokenHash,
			"expires_at": bson.M{"$gt": now},
		}},
	}, options.Count().SetLimit(1))
	if err != nil {
		return false, fmt.Errorf("check refresh token: %w", err)
	}

	return n > 0, nil
}

func (r *MongoRepository) SetPassword(ctx context.Context, id, hash string, changedAt time.Time) error {
	return r.updateOne(ctx, "set password", id, passwordUpdate(hash, changedAt))
}

func (r *MongoRepository) SetResetTicket(ctx context.Context, id, tokenHash string, expiresAt time.Time) error {
	return r.updateOne(ctx, "set reset ticket", id, bson.M{"$set": bson.M{
		"password_reset_token":   tokenHash,
		"password_reset_expires": expiresAt,
	}})
}

func (r *MongoRepository) ConsumeResetTicket(ctx context.Context, tokenHash, newHash string, changedAt, now time.Time) (Account, error) {
	filter := bson.M{
		"password_reset_token":   tokenHash,
		"password_reset_expires": bson.M{"$gt": now},
	}
	opts := options.FindOneAndUpdate().
		SetReturnDocument(options.After).
		SetProjection(secretsProjection)

	var acc Account
	if err := r.coll.FindOneAndUpdate(ctx, filter, passwordUpdate(newHash, changedAt), opts).Decode(&acc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return Account{}, ErrNotFound
		}
		return Account{}, fmt.Errorf("consume reset ticket: %w", err)
	}

	return acc, nil
}

func passwordUpdate(hash string, changedAt time.Time) bson.M {
	return bson.M{
		"$set": bson.M{
			"password_hash":       hash,
			"password_changed_at": changedAt,
			"refresh_tokens":      bson.A{},
			"updated_at":          changedAt,
		},
		"$unset": bson.M{
			"password_reset_token":   "",
			"password_reset_expires": "",
		},
	}
}

func (r *MongoRepository) UpdateProfile(ctx context.Context, id string, update ProfileUpdate, now time.Time) (Account, error) {
	set := bson.M{"updated_at": now}
	if update.Name != nil {
		set["name"] = *update.Name
	}
	if update.Bio != nil {
		set["bio"] = *update.Bio
	}
	if update.Department != nil {
		set["department"] = *update.Department
	}
	if update.Year != nil {
		set["year"] = *update.Year
	}
	if update.Avatar != nil {
		set["avatar"] = *update.Avatar
	}

	opts := options.FindOneAndUpdate().
		SetReturnDocument(options.After).
		SetProjection(secretsProjection)

	var acc Account
	if err := r.coll.FindOneAndUpdate(ctx, bson.M{"_id": id}, bson.M{"$set": set}, opts).Decode(&acc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return Account{}, ErrNotFound
		}
		return Account{}, fmt.Errorf("update profile: %w", err)
	}

	return acc, nil
}

// Cleanup counts modified documents; Mongo does not report how many array
// elements a $pull removed.
func (r *MongoRepository) Cleanup(ctx context.Context, now time.Time, _ int) (CleanupResult, error) {
	tokens, err := r.coll.UpdateMany(ctx,
		bson.M{"refresh_tokens.expires_at": bson.M{"$lte": now}},
		bson.M{"$pull": bson.M{"refresh_tokens": bson.M{"expires_at": bson.M{"$lte": now}}}},
	)
	if err != nil {
		return CleanupResult{}, fmt.Errorf("pull expired refresh tokens: %w", err)
	}

	tickets, err := r.coll.UpdateMany(ctx,
		bson.M{"password_reset_expires": bson.M{"$lte": now}},
		bson.M{"$unset": bson.M{"password_reset_token": "", "password_reset_expires": ""}},
	)
	if err != nil {
		return CleanupResult{}, fmt.Errorf("clear expired reset tickets: %w", err)
	}

	return CleanupResult{
		DeletedRefreshTokens: tokens.ModifiedCount,
		ClearedResetTickets:  tickets.ModifiedCount,
	}, nil
}

func (r *MongoRepository) Ping(ctx context.Context) error {
	return r.coll.Database().Client().Ping(ctx, nil)
}

func (r *MongoRepository) updateOne(ctx context.Context, what, id string, update bson.M) error {
	res, err := r.coll.UpdateOne(ctx, bson.M{"_id": id}, update)
	if err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}
