// Package mongodb implements the document backend on MongoDB.
//
// Records are documents keyed by ObjectID; the record id is its hex form.
// Models become $jsonSchema validators and sparse unique indexes, and
// updates map onto $set, $inc, $push and $addToSet. Bulk writes run in a
// transaction when the deployment supports one.
package mongodb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"
	"go.uber.org/zap"

	"github.com/mesh-intelligence/unidb/internal/lifecycle"
	"github.com/mesh-intelligence/unidb/internal/models"
	"github.com/mesh-intelligence/unidb/internal/query"
	"github.com/mesh-intelligence/unidb/internal/record"
	"github.com/mesh-intelligence/unidb/internal/schema"
	"github.com/mesh-intelligence/unidb/pkg/types"
)

// DefaultDatabase is used when Config.Database is empty.
const DefaultDatabase = "unidb"

const modelsCollection = "_unidb_models"

// codeNamespaceExists is returned by create on an existing collection.
const codeNamespaceExists = 48

var _ types.Adapter = (*Backend)(nil)

type collection struct {
	coll   *mongo.Collection
	schema types.Schema
	refs   map[string]bool
}

// Backend implements types.Adapter on MongoDB.
type Backend struct {
	guard  *lifecycle.Guard
	log    *zap.Logger
	client *mongo.Client
	db     *mongo.Database
	txn    bool
	models *models.Registry[*collection]
}

// New creates an uninitialized MongoDB backend. Options["transactions"]
// is "auto" (default), "true"/"on" or "false"/"off".
func New(cfg types.Config, log *zap.Logger) *Backend {
	g := lifecycle.New(types.BackendMongoDB, cfg, log)
	return &Backend{
		guard:  g,
		log:    g.Logger(),
		models: models.NewRegistry[*collection](),
	}
}

// Backend returns types.BackendMongoDB.
func (b *Backend) Backend() types.Backend { return types.BackendMongoDB }

// connectionURI returns the URI when set, otherwise one built from the
// host fields.
func connectionURI(cfg types.Config) string {
	if cfg.URI != "" {
		return cfg.URI
	}
	hosts := cfg.Hosts
	if len(hosts) == 0 {
		host := cfg.Host
		if host == "" {
			host = "localhost"
		}
		port := cfg.Port
		if port == 0 {
			port = 27017
		}
		hosts = []string{host + ":" + strconv.Itoa(port)}
	}
	u := url.URL{Scheme: "mongodb", Host: strings.Join(hosts, ","), Path: "/"}
	q := url.Values{}
	if cfg.TLS {
		q.Set("tls", "true")
	}
	if rs := cfg.Option("replicaSet", ""); rs != "" {
		q.Set("replicaSet", rs)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// Initialize connects, pings the primary and detects transaction support.
func (b *Backend) Initialize(ctx context.Context) error {
	return b.guard.Open(ctx, func(ctx context.Context) error {
		cfg := b.guard.Config()
		opts := options.Client().
			ApplyURI(connectionURI(cfg)).
			SetConnectTimeout(cfg.ConnectTimeout).
			SetServerSelectionTimeout(cfg.ConnectTimeout).
			SetTimeout(cfg.OperationTimeout)
		if cfg.Username != "" {
			opts.SetAuth(options.Credential{Username: cfg.Username, Password: cfg.Password})
		}
		client, err := mongo.Connect(opts)
		if err != nil {
			return err
		}
		if err := client.Ping(ctx, readpref.Primary()); err != nil {
			client.Disconnect(context.Background())
			return err
		}

		name := cfg.Database
		if name == "" {
			name = DefaultDatabase
		}
		b.client = client
		b.db = client.Database(name)
		b.txn = b.detectTransactions(ctx, cfg.Option("transactions", "auto"))
		return nil
	})
}

// detectTransactions reports whether bulk writes can run in a transaction:
// replica set members and mongos routers support them, standalone servers
// do not.
func (b *Backend) detectTransactions(ctx context.Context, mode string) bool {
	if enabled, forced := transactionMode(mode); forced {
		return enabled
	}
	var hello struct {
		SetName string `bson:"setName"`
		Msg     string `bson:"msg"`
	}
	if err := b.db.RunCommand(ctx, bson.D{{Key: "hello", Value: 1}}).Decode(&hello); err != nil {
		b.log.Warn("hello failed, bulk writes run without transactions", zap.Error(err))
		return false
	}
	ok := hello.SetName != "" || hello.Msg == "isdbgrid"
	b.log.Debug("transaction support", zap.Bool("enabled", ok))
	return ok
}

// transactionMode parses Options["transactions"]: on/off or any boolean
// strconv accepts forces the setting, anything else means auto-detect.
func transactionMode(mode string) (enabled, forced bool) {
	switch strings.ToLower(mode) {
	case "on":
		return true, true
	case "off":
		return false, true
	}
	if v, err := strconv.ParseBool(mode); err == nil {
		return v, true
	}
	return false, false
}

// Close disconnects the client.
func (b *Backend) Close(ctx context.Context) error {
	return b.guard.Close(ctx, func(ctx context.Context) error {
		b.models = models.NewRegistry[*collection]()
		return b.client.Disconnect(ctx)
	})
}

// DefineModel creates the collection with a validator and unique indexes.
func (b *Backend) DefineModel(ctx context.Context, name string, s types.Schema) error {
	_, err := lifecycle.Run(ctx, b.guard, "define", func(ctx context.Context) (*collection, error) {
		canonical, err := schema.Normalize(s, b.log)
		if err != nil {
			return nil, err
		}
		return b.models.Define(name, func() (*collection, error) {
			return b.ensure(ctx, name, canonical, true)
		})
	})
	return err
}

func (b *Backend) collection(ctx context.Context, name string) (*collection, error) {
	return b.models.GetOrCreate(name, func() (*collection, error) {
		return b.ensure(ctx, name, types.Schema{}, false)
	})
}

// ensure loads the persisted model for name or creates the collection.
// An explicit definition must match a persisted one.
func (b *Backend) ensure(ctx context.Context, name string, s types.Schema, explicit bool) (*collection, error) {
	want, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	meta := b.db.Collection(modelsCollection)
	_, err = meta.InsertOne(ctx, bson.M{"_id": name, "schema": string(want)})
	if mongo.IsDuplicateKeyError(err) {
		var stored struct {
			Schema string `bson:"schema"`
		}
		if err := meta.FindOne(ctx, bson.M{"_id": name}).Decode(&stored); err != nil {
			return nil, err
		}
		var persisted types.Schema
		if err := json.Unmarshal([]byte(stored.Schema), &persisted); err != nil {
			return nil, fmt.Errorf("model %q: %w", name, err)
		}
		if explicit {
			again, _ := json.Marshal(persisted)
			if string(again) != string(want) {
				return nil, types.InvalidSchema("", fmt.Sprintf("model %q already defined with a different schema", name))
			}
		}
		return &collection{coll: b.db.Collection(name), schema: persisted, refs: refFields(persisted)}, nil
	}
	if err != nil {
		return nil, err
	}

	v, err := validator(s)
	if err != nil {
		meta.DeleteOne(ctx, bson.M{"_id": name})
		return nil, err
	}
	err = b.db.CreateCollection(ctx, name, options.CreateCollection().SetValidator(v))
	var ce mongo.CommandError
	if errors.As(err, &ce) && ce.Code == codeNamespaceExists {
		err = b.db.RunCommand(ctx, bson.D{{Key: "collMod", Value: name}, {Key: "validator", Value: v}}).Err()
	}
	if err != nil {
		meta.DeleteOne(ctx, bson.M{"_id": name})
		return nil, err
	}

	coll := b.db.Collection(name)
	if unique := schema.Unique(s); len(unique) > 0 {
		indexes := make([]mongo.IndexModel, 0, len(unique))
		for _, field := range unique {
			indexes = append(indexes, mongo.IndexModel{
				Keys:    bson.D{{Key: field, Value: 1}},
				Options: options.Index().SetUnique(true).SetSparse(true).SetName("unique_" + field),
			})
		}
		if _, err := coll.Indexes().CreateMany(ctx, indexes); err != nil {
			return nil, err
		}
	}
	if !explicit {
		b.log.Debug("creating default model", zap.String("collection", name))
	}
	return &collection{coll: coll, schema: s, refs: refFields(s)}, nil
}

// Create validates data and inserts a new document.
func (b *Backend) Create(ctx context.Context, name string, data types.Fields) (*types.Record, error) {
	return lifecycle.Run(ctx, b.guard, "create", func(ctx context.Context) (*types.Record, error) {
		c, err := b.collection(ctx, name)
		if err != nil {
			return nil, err
		}
		fields, err := schema.Enforce(c.schema, data)
		if err != nil {
			return nil, err
		}
		oid := bson.NewObjectID()
		r := record.New(fields)
		r.ID = oid.Hex()
		if _, err := c.coll.InsertOne(ctx, document(r, oid, c.refs)); err != nil {
			return nil, err
		}
		var doc bson.M
		if err := c.coll.FindOne(ctx, bson.D{{Key: types.FieldObjectID, Value: oid}}).Decode(&doc); err != nil {
			return nil, fmt.Errorf("document %s after insert: %w", r.ID, err)
		}
		return fromDocument(doc, c.schema)
	})
}

// FindOne returns the match with the lowest _id, or nil.
func (b *Backend) FindOne(ctx context.Context, name string, q types.Query) (*types.Record, error) {
	return lifecycle.Run(ctx, b.guard, "findOne", func(ctx context.Context) (*types.Record, error) {
		out, err := b.find(ctx, name, q, 1)
		if err != nil || len(out) == 0 {
			return nil, err
		}
		return out[0], nil
	})
}

// FindMany returns every match ordered by _id.
func (b *Backend) FindMany(ctx context.Context, name string, q types.Query) ([]*types.Record, error) {
	return lifecycle.Run(ctx, b.guard, "findMany", func(ctx context.Context) ([]*types.Record, error) {
		return b.find(ctx, name, q, 0)
	})
}

func (b *Backend) find(ctx context.Context, name string, q types.Query, limit int64) ([]*types.Record, error) {
	f, err := query.Parse(q)
	if err != nil {
		return nil, err
	}
	filter, err := translate(f)
	if err != nil {
		return nil, err
	}
	c, err := b.collection(ctx, name)
	if err != nil {
		return nil, err
	}
	opts := options.Find().SetSort(bson.D{{Key: types.FieldObjectID, Value: 1}})
	if limit > 0 {
		opts.SetLimit(limit)
	}
	cursor, err := c.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	var docs []bson.M
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}
	out := make([]*types.Record, 0, len(docs))
	for _, doc := range docs {
		r, err := fromDocument(doc, c.schema)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

// inTransaction runs fn in a transaction when the deployment supports one.
func (b *Backend) inTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if !b.txn {
		return fn(ctx)
	}
	sess, err := b.client.StartSession()
	if err != nil {
		return err
	}
	defer sess.EndSession(ctx)
	_, err = sess.WithTransaction(ctx, func(ctx context.Context) (any, error) {
		return nil, fn(ctx)
	})
	return err
}

// Update applies u to one document by id, or to every match.
func (b *Backend) Update(ctx context.Context, name string, q types.Query, u types.Update) (*types.UpdateResult, error) {
	return lifecycle.Run(ctx, b.guard, "update", func(ctx context.Context) (*types.UpdateResult, error) {
		f, err := query.Parse(q)
		if err != nil {
			return nil, err
		}
		change, err := query.ParseUpdate(u)
		if err != nil {
			return nil, err
		}
		filter, err := translate(f)
		if err != nil {
			return nil, err
		}
		c, err := b.collection(ctx, name)
		if err != nil {
			return nil, err
		}
		update := translateUpdate(change, c.refs, record.Now())

		if f.HasID {
			var doc bson.M
			opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
			err := c.coll.FindOneAndUpdate(ctx, filter, update, opts).Decode(&doc)
			if errors.Is(err, mongo.ErrNoDocuments) {
				return nil, types.NewError(types.KindNotFound, types.BackendMongoDB, "update", "no record with id "+f.ID, nil)
			}
			if err != nil {
				return nil, err
			}
			r, err := fromDocument(doc, c.schema)
			if err != nil {
				return nil, err
			}
			return &types.UpdateResult{Record: r, Matched: 1, Modified: 1}, nil
		}

		var n int64
		err = b.inTransaction(ctx, func(ctx context.Context) error {
			res, err := c.coll.UpdateMany(ctx, filter, update)
			if err != nil {
				return err
			}
			n = res.MatchedCount
			return nil
		})
		if err != nil {
			return nil, err
		}
		return &types.UpdateResult{Matched: n, Modified: n}, nil
	})
}

// Delete removes one document by id, or every match.
func (b *Backend) Delete(ctx context.Context, name string, q types.Query) (*types.DeleteResult, error) {
	return lifecycle.Run(ctx, b.guard, "delete", func(ctx context.Context) (*types.DeleteResult, error) {
		f, err := query.Parse(q)
		if err != nil {
			return nil, err
		}
		filter, err := translate(f)
		if err != nil {
			return nil, err
		}
		c, err := b.collection(ctx, name)
		if err != nil {
			return nil, err
		}

		if f.HasID {
			res, err := c.coll.DeleteOne(ctx, filter)
			if err != nil {
				return nil, err
			}
			if res.DeletedCount == 0 {
				return nil, types.NewError(types.KindNotFound, types.BackendMongoDB, "delete", "no record with id "+f.ID, nil)
			}
			return &types.DeleteResult{Deleted: 1}, nil
		}

		var n int64
		err = b.inTransaction(ctx, func(ctx context.Context) error {
			res, err := c.coll.DeleteMany(ctx, filter)
			if err != nil {
				return err
			}
			n = res.DeletedCount
			return nil
		})
		if err != nil {
			return nil, err
		}
		return &types.DeleteResult{Deleted: n}, nil
	})
}
