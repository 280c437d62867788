// Package firestore adapts Cloud Firestore to the sync engine. It provides a
// [Client] with the document operations the engine needs, a small
// transient-only [Retry] helper, and conversion between Firestore values and
// [model.Fields].
//
// Every read goes to the server. The Firestore client keeps no local cache,
// so pulls always observe current remote state.
package firestore

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"slices"
	"time"

	"cloud.google.com/go/firestore"
	"golang.org/x/oauth2/google"
	firestoreapi "google.golang.org/api/firestore/v1"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/njoerd114/tillsync/internal/model"
)

const (
	// pingCollection holds the sentinel document read by [Client.Ping]. The
	// document does not need to exist.
	pingCollection = "_tillsync"
	pingDocument   = "ping"
)

// Config selects the Firestore database and how to authenticate.
type Config struct {
	ProjectID string

	// Database defaults to "(default)".
	Database string

	// CredentialsFile is a service-account JSON key. When empty, application
	// default credentials are used.
	CredentialsFile string

	// EmulatorHost (host:port) targets the Firestore emulator without
	// authentication.
	EmulatorHost string
}

// Client wraps a Cloud Firestore client. Create one with [NewClient].
type Client struct {
	fs   *firestore.Client
	conn *grpc.ClientConn // emulator only
	log  *slog.Logger
}

// NewClient connects to the configured database. Extra options replace the
// credentials and emulator handling; tests use them to dial a fake server.
func NewClient(ctx context.Context, cfg Config, logger *slog.Logger, opts ...option.ClientOption) (*Client, error) {
	if cfg.ProjectID == "" {
		return nil, fmt.Errorf("%w: firestore project id is required", model.ErrInvalid)
	}
	if cfg.Database == "" {
		cfg.Database = firestore.DefaultDatabaseID
	}

	c := &Client{log: logger}
	switch {
	case len(opts) > 0:
	case cfg.EmulatorHost != "":
		conn, err := grpc.NewClient(cfg.EmulatorHost,
			grpc.WithTransportCredentials(insecure.NewCredentials()),
			grpc.WithPerRPCCredentials(emulatorOwner{}))
		if err != nil {
			return nil, fmt.Errorf("dialing firestore emulator at %s: %w", cfg.EmulatorHost, err)
		}
		c.conn = conn
		opts = append(opts, option.WithGRPCConn(conn))
	default:
		creds, err := loadCredentials(ctx, cfg.CredentialsFile)
		if err != nil {
			return nil, err
		}
		opts = append(opts, option.WithTokenSource(creds.TokenSource))
	}

	fs, err := firestore.NewClientWithDatabase(ctx, cfg.ProjectID, cfg.Database, opts...)
	if err != nil {
		if c.conn != nil {
			_ = c.conn.Close()
		}
		return nil, fmt.Errorf("creating firestore client: %w", err)
	}
	c.fs = fs
	logger.Debug("firestore client ready", "project", cfg.ProjectID, "database", cfg.Database, "emulator", cfg.EmulatorHost != "")
	return c, nil
}

// Close releases the underlying connections.
func (c *Client) Close() error {
	err := c.fs.Close()
	if c.conn != nil {
		_ = c.conn.Close()
	}
	return err
}

func loadCredentials(ctx context.Context, file string) (*google.Credentials, error) {
	scopes := []string{firestoreapi.DatastoreScope}
	if file == "" {
		creds, err := google.FindDefaultCredentials(ctx, scopes...)
		if err != nil {
			return nil, fmt.Errorf("finding default credentials: %w", err)
		}
		return creds, nil
	}

	data, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("reading credentials file: %w", err)
	}
	creds, err := google.CredentialsFromJSON(ctx, data, scopes...) //nolint:staticcheck // file is operator-supplied
	if err != nil {
		return nil, fmt.Errorf("parsing credentials file: %w", err)
	}
	return creds, nil
}

// emulatorOwner authenticates against the emulator as its owner.
type emulatorOwner struct{}

func (emulatorOwner) GetRequestMetadata(context.Context, ...string) (map[string]string, error) {
	return map[string]string{"authorization": "Bearer owner"}, nil
}

func (emulatorOwner) RequireTransportSecurity() bool { return false }

// Ping reads a sentinel document. Any answer from the server, including
// NotFound and PermissionDenied, proves the database is reachable.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.fs.Collection(pingCollection).Doc(pingDocument).Get(ctx)
	if err == nil || answered(err) {
		return nil
	}
	return classify("ping firestore", err)
}

// Create writes the whole document, replacing any existing one. Replaying a
// create is therefore harmless. createdAt and updatedAt are set by the
// server.
func (c *Client) Create(ctx context.Context, collection, id string, fields model.Fields) (*model.Entity, error) {
	data, err := encodeFields(fields)
	if err != nil {
		return nil, fmt.Errorf("create %s/%s: %w", collection, id, err)
	}
	data[fieldCreatedAt] = firestore.ServerTimestamp
	data[fieldUpdatedAt] = firestore.ServerTimestamp

	var res *firestore.WriteResult
	err = Retry(ctx, defaultMaxAttempts, func() error {
		var err error
		res, err = c.fs.Collection(collection).Doc(id).Set(ctx, data)
		return classify("set", err)
	})
	if err != nil {
		return nil, fmt.Errorf("create %s/%s: %w", collection, id, err)
	}
	c.log.Debug("firestore document written", "collection", collection, "id", id, "update_time", res.UpdateTime)
	return &model.Entity{ID: id, Collection: collection, Fields: fields.Clone(), UpdatedAt: res.UpdateTime}, nil
}

// Get fetches one document, or returns (nil, nil) if it does not exist.
func (c *Client) Get(ctx context.Context, collection, id string) (*model.Entity, error) {
	var snap *firestore.DocumentSnapshot
	err := Retry(ctx, defaultMaxAttempts, func() error {
		var err error
		snap, err = c.fs.Collection(collection).Doc(id).Get(ctx)
		if isNotFound(err) {
			return nil
		}
		return classify("get", err)
	})
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", collection, id, err)
	}
	if snap == nil || !snap.Exists() {
		return nil, nil //nolint:nilnil // intentional: "not found" sentinel
	}
	return documentToEntity(collection, snap), nil
}

// Update patches the given top-level fields of an existing document. A
// missing document is a rejection.
func (c *Client) Update(ctx context.Context, collection, id string, fields model.Fields) error {
	updates, err := encodeUpdates(fields)
	if err != nil {
		return fmt.Errorf("update %s/%s: %w", collection, id, err)
	}
	err = Retry(ctx, defaultMaxAttempts, func() error {
		// Update implies an exists precondition.
		_, err := c.fs.Collection(collection).Doc(id).Update(ctx, updates)
		return classify("update", err)
	})
	if err != nil {
		return fmt.Errorf("update %s/%s: %w", collection, id, err)
	}
	return nil
}

// Delete removes a document. Deleting a missing document succeeds.
func (c *Client) Delete(ctx context.Context, collection, id string) error {
	err := Retry(ctx, defaultMaxAttempts, func() error {
		_, err := c.fs.Collection(collection).Doc(id).Delete(ctx)
		return classify("delete", err)
	})
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", collection, id, err)
	}
	return nil
}

// GetAll returns the documents of a collection, narrowed by the equality
// filters, order and limit in q. The server evaluates the query.
func (c *Client) GetAll(ctx context.Context, collection string, q model.Query) ([]*model.Entity, error) {
	query := c.fs.Collection(collection).Query
	for _, k := range slices.Sorted(maps.Keys(q.Where)) {
		v, err := encodeValue(q.Where[k])
		if err != nil {
			return nil, fmt.Errorf("query %s: where %q: %w", collection, k, err)
		}
		query = query.WherePath(firestore.FieldPath{k}, "==", v)
	}
	if q.OrderBy != "" {
		dir := firestore.Asc
		if q.Desc {
			dir = firestore.Desc
		}
		query = query.OrderByPath(firestore.FieldPath{q.OrderBy}, dir)
	}
	if q.Limit > 0 {
		query = query.Limit(q.Limit)
	}
	return c.run(ctx, collection, query)
}

// ChangesSince returns the documents whose updatedAt is after since, oldest
// first. Hard deletes are invisible here; only tombstones (deletedAt) are.
func (c *Client) ChangesSince(ctx context.Context, collection string, since time.Time) ([]*model.Entity, error) {
	query := c.fs.Collection(collection).
		Where(fieldUpdatedAt, ">", since.UTC()).
		OrderBy(fieldUpdatedAt, firestore.Asc)
	return c.run(ctx, collection, query)
}

func (c *Client) run(ctx context.Context, collection string, query firestore.Query) ([]*model.Entity, error) {
	var snaps []*firestore.DocumentSnapshot
	err := Retry(ctx, defaultMaxAttempts, func() error {
		var err error
		snaps, err = query.Documents(ctx).GetAll()
		return classify("run query", err)
	})
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", collection, err)
	}

	out := make([]*model.Entity, 0, len(snaps))
	for _, snap := range snaps {
		out = append(out, documentToEntity(collection, snap))
	}
	c.log.Debug("firestore query", "collection", collection, "documents", len(out))
	return out, nil
}
