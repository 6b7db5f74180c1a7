package outputcache

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"os"
	"strconv"
	"time"

	valkey "github.com/valkey-io/valkey-go"

	"github.com/keithlinneman/linnemanlabs-sitestyle/internal/xerrors"
)

// clearBatch is how many keys one DEL carries during Clear.
const clearBatch = 500

// setScript registers and writes an entry only while the generation still
// matches. KEYS: generation, registry, entry. ARGV: generation, payload, ttl ms.
var setScript = valkey.NewLuaScript(`
local gen = redis.call('GET', KEYS[1]) or '0'
if gen ~= ARGV[1] then
  return 0
end
redis.call('SADD', KEYS[2], KEYS[3])
redis.call('SET', KEYS[3], ARGV[2], 'PX', ARGV[3])
return 1
`)

type ValkeyConfig struct {
	Address  string
	Username string
	Password string
	DB       int
	// Prefix namespaces every key; the registry set is {Prefix}:keys and
	// the generation counter {Prefix}:gen.
	Prefix    string
	TTL       time.Duration
	TLS       bool
	TLSCAFile string
}

// valkeyCache records every key it writes in a registry set so Clear can
// delete exactly those keys without scanning the keyspace.
type valkeyCache struct {
	client   valkey.Client
	prefix   string
	registry string
	gen      string
	ttl      time.Duration
}

// NewValkey connects and pings the server.
func NewValkey(cfg ValkeyConfig) (Cache, error) {
	if cfg.Address == "" {
		return nil, xerrors.New("outputcache: valkey address required")
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "sitestyle:output"
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}

	option := valkey.ClientOption{
		InitAddress:       []string{cfg.Address},
		Username:          cfg.Username,
		Password:          cfg.Password,
		SelectDB:          cfg.DB,
		AlwaysRESP2:       true,
		ForceSingleClient: true,
		DisableCache:      true,
	}
	if cfg.TLS {
		tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
		if cfg.TLSCAFile != "" {
			caData, err := os.ReadFile(cfg.TLSCAFile)
			if err != nil {
				return nil, xerrors.Wrap(err, "outputcache: read valkey ca file")
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(caData) {
				return nil, xerrors.New("outputcache: valkey ca file contains no certificates")
			}
			tlsConfig.RootCAs = pool
		}
		option.TLSConfig = tlsConfig
	}

	client, err := valkey.NewClient(option)
	if err != nil {
		return nil, xerrors.Wrap(err, "outputcache: valkey client")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, xerrors.Wrap(err, "outputcache: valkey ping")
	}

	return &valkeyCache{
		client:   client,
		prefix:   cfg.Prefix,
		registry: cfg.Prefix + ":keys",
		gen:      cfg.Prefix + ":gen",
		ttl:      cfg.TTL,
	}, nil
}

func (c *valkeyCache) entryKey(key string) string {
	return c.prefix + ":entry:" + key
}

func (c *valkeyCache) Get(ctx context.Context, key string) (Entry, bool, error) {
	k := c.entryKey(key)
	resp := c.client.Do(ctx, c.client.B().Get().Key(k).Build())
	if err := resp.Error(); err != nil {
		if valkey.IsValkeyNil(err) {
			// expired entries leave their registry member behind
			_ = c.client.Do(ctx, c.client.B().Srem().Key(c.registry).Member(k).Build()).Error()
			return Entry{}, false, nil
		}
		return Entry{}, false, xerrors.Wrap(err, "outputcache: valkey get")
	}
	payload, err := resp.AsBytes()
	if err != nil {
		return Entry{}, false, xerrors.Wrap(err, "outputcache: valkey get bytes")
	}
	var e Entry
	if err := json.Unmarshal(payload, &e); err != nil {
		return Entry{}, false, xerrors.Wrap(err, "outputcache: valkey unmarshal")
	}
	return e, true, nil
}

func (c *valkeyCache) Set(ctx context.Context, key string, e Entry) error {
	if e.StoredAt.IsZero() {
		e.StoredAt = time.Now().UTC()
	}
	payload, err := json.Marshal(e)
	if err != nil {
		return xerrors.Wrap(err, "outputcache: valkey marshal")
	}
	stored, err := setScript.Exec(ctx, c.client,
		[]string{c.gen, c.registry, c.entryKey(key)},
		[]string{
			strconv.FormatUint(e.Generation, 10),
			string(payload),
			strconv.FormatInt(c.ttl.Milliseconds(), 10),
		},
	).AsInt64()
	if err != nil {
		return xerrors.Wrap(err, "outputcache: valkey set")
	}
	if stored == 0 {
		return ErrStale
	}
	return nil
}

func (c *valkeyCache) Generation(ctx context.Context) (uint64, error) {
	n, err := c.client.Do(ctx, c.client.B().Get().Key(c.gen).Build()).AsInt64()
	if valkey.IsValkeyNil(err) {
		return 0, nil
	}
	if err != nil {
		return 0, xerrors.Wrap(err, "outputcache: valkey generation")
	}
	return uint64(n), nil
}

// Clear advances the generation, then deletes the registered keys and
// removes exactly those members from the registry. Writers that checked
// the generation before the bump registered their keys first, so they are
// deleted here; later writers are refused by setScript.
func (c *valkeyCache) Clear(ctx context.Context) (int, error) {
	if err := c.client.Do(ctx, c.client.B().Incr().Key(c.gen).Build()).Error(); err != nil {
		return 0, xerrors.Wrap(err, "outputcache: valkey incr generation")
	}
	members, err := c.client.Do(ctx, c.client.B().Smembers().Key(c.registry).Build()).AsStrSlice()
	if err != nil {
		if valkey.IsValkeyNil(err) {
			return 0, nil
		}
		return 0, xerrors.Wrap(err, "outputcache: valkey smembers")
	}

	var deleted int
	var errs []error
	for start := 0; start < len(members); start += clearBatch {
		end := min(start+clearBatch, len(members))
		batch := members[start:end]
		results := c.client.DoMulti(ctx,
			c.client.B().Del().Key(batch...).Build(),
			c.client.B().Srem().Key(c.registry).Member(batch...).Build(),
		)
		n, err := results[0].AsInt64()
		if err != nil {
			errs = append(errs, xerrors.Wrap(err, "outputcache: valkey del"))
			continue
		}
		deleted += int(n)
		if err := results[1].Error(); err != nil {
			errs = append(errs, xerrors.Wrap(err, "outputcache: valkey srem"))
		}
	}
	return deleted, errors.Join(errs...)
}

// Len reports the registry size, which may count entries that expired
// but have not been looked up since.
func (c *valkeyCache) Len(ctx context.Context) (int64, error) {
	n, err := c.client.Do(ctx, c.client.B().Scard().Key(c.registry).Build()).AsInt64()
	if err != nil {
		return 0, xerrors.Wrap(err, "outputcache: valkey scard")
	}
	return n, nil
}

func (c *valkeyCache) Close(context.Context) error {
	c.client.Close()
	return nil
}
