package state

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// EtcdConfig configures the etcd backend.
type EtcdConfig struct {
	Endpoints        []string
	Prefix           string
	DialTimeout      time.Duration
	ResumableAliases []string
}

// etcdStore keeps markers under <prefix>attempts/<task>/<tag>. It suits
// crawl processes that report state through etcd instead of a shared
// filesystem; the claim is a single transactional create-if-absent, so it
// is safe even with concurrent scheduler instances.
//
// etcd has no per-key write timestamp we can surface, so Attempt.UpdatedAt
// stays zero and the stale-running policy never triggers on this backend.
type etcdStore struct {
	client  *clientv3.Client
	prefix  string
	aliases []string
	log     zerolog.Logger
}

func NewEtcd(cfg EtcdConfig, log zerolog.Logger) (Store, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, errors.New("etcd endpoints are required")
	}
	timeout := cfg.DialTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: timeout,
	})
	if err != nil {
		return nil, err
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "/crawld/"
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &etcdStore{client: cli, prefix: prefix, aliases: cfg.ResumableAliases, log: log}, nil
}

func (s *etcdStore) attemptPrefix(task string) string {
	return s.prefix + "attempts/" + task + "/"
}

func (s *etcdStore) attemptKey(task, tag string) string {
	return s.attemptPrefix(task) + tag
}

func (s *etcdStore) deferKey(task string) string {
	return s.prefix + "defer/" + task
}

func (s *etcdStore) ListAttempts(ctx context.Context, task string) ([]Attempt, error) {
	resp, err := s.client.Get(ctx, s.attemptPrefix(task), clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("list attempts for %s: %w", task, err)
	}
	var out []Attempt
	for _, kv := range resp.Kvs {
		tag := path.Base(string(kv.Key))
		token := strings.TrimSpace(string(kv.Value))
		st, err := ParseState(token, s.aliases)
		if err != nil {
			s.log.Warn().Str("task", task).Str("tag", tag).Str("token", token).
				Msg("unrecognized state marker")
		}
		out = append(out, Attempt{Tag: tag, State: st, Raw: token})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Tag < out[j].Tag })
	return out, nil
}

func (s *etcdStore) Claim(ctx context.Context, task, tag string) error {
	key := s.attemptKey(task, tag)
	resp, err := s.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(key), "=", 0)).
		Then(clientv3.OpPut(key, StateRunning.String())).
		Commit()
	if err != nil {
		return err
	}
	if !resp.Succeeded {
		return fmt.Errorf("claim %s/%s: %w", task, tag, ErrAlreadyClaimed)
	}
	return nil
}

func (s *etcdStore) Release(ctx context.Context, task, tag string) error {
	_, err := s.client.Delete(ctx, s.attemptKey(task, tag))
	return err
}

func (s *etcdStore) DeleteAttempt(ctx context.Context, task, tag string) error {
	resp, err := s.client.Delete(ctx, s.attemptKey(task, tag))
	if err != nil {
		return err
	}
	if resp.Deleted == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *etcdStore) DontRunBefore(ctx context.Context, task string) (time.Time, bool, error) {
	resp, err := s.client.Get(ctx, s.deferKey(task))
	if err != nil {
		return time.Time{}, false, err
	}
	if len(resp.Kvs) == 0 {
		return time.Time{}, false, nil
	}
	t, err := parseDeferral(string(resp.Kvs[0].Value))
	if err != nil {
		return time.Time{}, false, fmt.Errorf("deferral for %s: %w", task, err)
	}
	return t, true, nil
}

func (s *etcdStore) Close() error { return s.client.Close() }
