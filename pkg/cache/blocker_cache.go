// Package cache persists the blocker atoms of installed packages so that
// their dependency strings are not reduced again on every run.
package cache

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/dgraph-io/badger/v4"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/ppphp/portago-resolver/pkg/dep"
	"github.com/ppphp/portago-resolver/pkg/versions"
)

const (
	blockerPrefix = "blockers/"
	versionKey    = "version"
	cacheVersion  = "1"
)

// BlockerData is the cached blocker list of one installed package. Counter
// is the COUNTER the atoms were computed for.
type BlockerData struct {
	Counter int64    `json:"counter"`
	Atoms   []string `json:"atoms"`
}

// Config selects where the cache lives.
type Config struct {
	Path     string
	InMemory bool
	Logger   *logrus.Entry
}

// InMemoryConfig is used by tests and by runs without a cache directory.
func InMemoryConfig() Config {
	return Config{InMemory: true}
}

type badgerLogger struct {
	log *logrus.Entry
}

func (l badgerLogger) Errorf(format string, args ...interface{})   { l.log.Errorf(format, args...) }
func (l badgerLogger) Warningf(format string, args ...interface{}) { l.log.Warnf(format, args...) }
func (l badgerLogger) Infof(format string, args ...interface{})    { l.log.Debugf(format, args...) }
func (l badgerLogger) Debugf(format string, args ...interface{})   { l.log.Debugf(format, args...) }

// BlockerCache maps installed cpvs to their blocker atoms.
type BlockerCache struct {
	db       *badger.DB
	log      *logrus.Entry
	modified map[string]bool
}

// Open opens the cache. A stored cache with a different version is wiped.
func Open(cfg Config) (*BlockerCache, error) {
	log := cfg.Logger
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Path == "" {
			return nil, NewInitializationError("BlockerCache", errors.New("path is required for a persistent cache"))
		}
		if err := os.MkdirAll(cfg.Path, 0o755); err != nil {
			return nil, NewInitializationError("BlockerCache", err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithLogger(badgerLogger{log: log}).WithNumVersionsToKeep(1)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, NewInitializationError("BlockerCache", err)
	}
	c := &BlockerCache{db: db, log: log, modified: map[string]bool{}}
	if err := c.checkVersion(); err != nil {
		db.Close()
		return nil, err
	}
	return c, nil
}

func (c *BlockerCache) checkVersion() error {
	var stored string
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(versionKey))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		v, err := item.ValueCopy(nil)
		stored = string(v)
		return err
	})
	if err != nil {
		return errors.Wrap(err, "read blocker cache version")
	}
	if stored == cacheVersion {
		return nil
	}
	if stored != "" {
		c.log.Infof("discarding blocker cache version %s", stored)
		if err := c.db.DropAll(); err != nil {
			return errors.Wrap(err, "drop blocker cache")
		}
	}
	return c.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(versionKey), []byte(cacheVersion))
	})
}

func validEntry(cpv string, data *BlockerData) error {
	if s := versions.CatPkgSplit(cpv); s[0] == "" || s[0] == "null" {
		return fmt.Errorf("invalid cpv %q", cpv)
	}
	for _, a := range data.Atoms {
		if !strings.HasPrefix(a, "!") || !dep.IsValidAtom(a, true) {
			return fmt.Errorf("invalid blocker atom %q", a)
		}
	}
	return nil
}

// Get returns the cached data for cpv. Corrupt entries are deleted and
// reported as missing.
func (c *BlockerCache) Get(cpv string) (*BlockerData, bool) {
	var raw []byte
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(blockerPrefix + cpv))
		if err != nil {
			return err
		}
		raw, err = item.ValueCopy(nil)
		return err
	})
	if err == badger.ErrKeyNotFound {
		return nil, false
	}
	if err != nil {
		c.log.Warnf("blocker cache read %s: %v", cpv, err)
		return nil, false
	}
	data := &BlockerData{}
	if err := json.Unmarshal(raw, data); err == nil {
		err = validEntry(cpv, data)
	}
	if err != nil {
		c.log.Warn(NewCacheCorruption(cpv, err).Error())
		c.Delete(cpv)
		return nil, false
	}
	return data, true
}

// Set stores the blocker atoms of cpv.
func (c *BlockerCache) Set(cpv string, data BlockerData) error {
	if err := validEntry(cpv, &data); err != nil {
		return errors.Wrapf(err, "blocker cache %s", cpv)
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	if err := c.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(blockerPrefix+cpv), raw)
	}); err != nil {
		return errors.Wrapf(err, "blocker cache %s", cpv)
	}
	c.modified[cpv] = true
	return nil
}

func (c *BlockerCache) Delete(cpv string) {
	err := c.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(blockerPrefix + cpv))
	})
	if err != nil {
		c.log.Warnf("blocker cache delete %s: %v", cpv, err)
	}
	c.modified[cpv] = true
}

// Keys returns the cached cpvs, sorted.
func (c *BlockerCache) Keys() []string {
	var out []string
	c.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(blockerPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			out = append(out, strings.TrimPrefix(string(it.Item().Key()), blockerPrefix))
		}
		return nil
	})
	sort.Strings(out)
	return out
}

// Modified returns the number of entries changed since the last Flush.
func (c *BlockerCache) Modified() int { return len(c.modified) }

// Flush syncs the changes to disk.
func (c *BlockerCache) Flush() error {
	if len(c.modified) == 0 {
		return nil
	}
	c.modified = map[string]bool{}
	if c.db.Opts().InMemory {
		return nil
	}
	return errors.Wrap(c.db.Sync(), "flush blocker cache")
}

func (c *BlockerCache) Close() error {
	if err := c.Flush(); err != nil {
		c.log.Warn(err)
	}
	return c.db.Close()
}
