package repository

import (
	"context"
	"fmt"

	"video_worker/internal/worker/domain"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const deadLetterCollection = "dead_letters"

// PgxPool 定義用到的 pgxpool 方法，方便 mock
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
}

// pgDeadLetterRepo dead-letter archive on postgres
type pgDeadLetterRepo struct {
	pool PgxPool
}

// NewPGDeadLetterRepo create postgres dead-letter store
func NewPGDeadLetterRepo(pool PgxPool) domain.DeadLetterStore {
	return &pgDeadLetterRepo{pool: pool}
}

// EnsureSchema 建立 dead_letters 表，job_id 為唯一鍵
func EnsureSchema(ctx context.Context, pool PgxPool) error {
	_, err := pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS dead_letters (
	id         UUID PRIMARY KEY,
	job_id     TEXT NOT NULL UNIQUE,
	video_id   BIGINT NOT NULL,
	attempts   INT NOT NULL,
	error      TEXT NOT NULL,
	failed_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS dead_letters_video_id_idx ON dead_letters (video_id);`)
	if err != nil {
		return fmt.Errorf("ensure dead_letters schema: %w", err)
	}
	return nil
}

func (r *pgDeadLetterRepo) Save(ctx context.Context, dl domain.DeadLetter) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
INSERT INTO dead_letters (id, job_id, video_id, attempts, error, failed_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (job_id) DO NOTHING`,
		dl.ID, dl.JobID, int64(dl.VideoID), dl.Attempts, dl.Error, dl.FailedAt)
	if err != nil {
		return false, domain.Transient("dead letter save", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *pgDeadLetterRepo) FindByVideoID(ctx context.Context, videoID uint) ([]domain.DeadLetter, error) {
	rows, err := r.pool.Query(ctx, `
SELECT id::text, job_id, video_id, attempts, error, failed_at
FROM dead_letters WHERE video_id = $1 ORDER BY failed_at`, int64(videoID))
	if err != nil {
		return nil, domain.Transient("dead letter find", err)
	}
	defer rows.Close()

	var out []domain.DeadLetter
	for rows.Next() {
		var dl domain.DeadLetter
		var vid int64
		if err := rows.Scan(&dl.ID, &dl.JobID, &vid, &dl.Attempts, &dl.Error, &dl.FailedAt); err != nil {
			return nil, err
		}
		dl.VideoID = uint(vid)
		out = append(out, dl)
	}
	return out, rows.Err()
}

// mongoDeadLetterRepo dead-letter archive on mongo
type mongoDeadLetterRepo struct {
	collection *mongo.Collection
}

// NewMongoDeadLetterRepo create mongo dead-letter store
func NewMongoDeadLetterRepo(db *mongo.Database) domain.DeadLetterStore {
	return &mongoDeadLetterRepo{collection: db.Collection(deadLetterCollection)}
}

// EnsureIndexes job_id unique index
func EnsureIndexes(ctx context.Context, db *mongo.Database) error {
	_, err := db.Collection(deadLetterCollection).Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "job_id", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "video_id", Value: 1}}},
	})
	return err
}

// Save upsert + $setOnInsert，同一個 job_id 只會留第一筆
func (r *mongoDeadLetterRepo) Save(ctx context.Context, dl domain.DeadLetter) (bool, error) {
	res, err := r.collection.UpdateOne(ctx,
		bson.M{"job_id": dl.JobID},
		bson.M{"$setOnInsert": dl},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return false, domain.Transient("dead letter save", err)
	}
	return res.UpsertedCount == 1, nil
}

func (r *mongoDeadLetterRepo) FindByVideoID(ctx context.Context, videoID uint) ([]domain.DeadLetter, error) {
	cursor, err := r.collection.Find(ctx, bson.M{"video_id": videoID}, options.Find().SetSort(bson.D{{Key: "failed_at", Value: 1}}))
	if err != nil {
		return nil, domain.Transient("dead letter find", err)
	}
	defer cursor.Close(ctx)

	var out []domain.DeadLetter
	if err := cursor.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}
