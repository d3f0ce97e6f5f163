package storage

import (
	"context"
	"strings"
)

// Namespace prefixes on the persistent backend. The backup copy exists
// so that clearing one namespace does not fully erase the ledger; the
// session store is a separate in-memory KV that dies with the process.
const (
	primaryNS = "gate:p:"
	backupNS  = "gate:b:"
)

// Mirror fans writes out to the primary and backup namespaces of the
// persistent backend plus a session-scoped store, and yields all
// surviving copies on read. Writes across the namespaces are not
// transactional; a crash between them can leave the copies
// inconsistent, which readers tolerate by trying each copy
// independently, primary first.
type Mirror struct {
	persistent KV
	session    KV
}

// NewMirror combines a persistent backend with a session-scoped store.
// The session store is expected to be in-memory and die with the
// process.
func NewMirror(persistent, session KV) *Mirror {
	return &Mirror{persistent: persistent, session: session}
}

// Put writes the value to all three copies. The first error wins but
// later copies are still attempted, so one failing namespace does not
// take out the others.
func (m *Mirror) Put(ctx context.Context, key string, value []byte) error {
	var firstErr error
	for _, w := range []struct {
		kv  KV
		key string
	}{
		{m.persistent, primaryNS + key},
		{m.persistent, backupNS + key},
		{m.session, key},
	} {
		if err := w.kv.Set(ctx, w.key, value); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Candidates returns every readable copy of the key, primary first.
// An empty result means the key exists nowhere.
func (m *Mirror) Candidates(ctx context.Context, key string) [][]byte {
	var out [][]byte
	if v, err := m.persistent.Get(ctx, primaryNS+key); err == nil {
		out = append(out, v)
	}
	if v, err := m.persistent.Get(ctx, backupNS+key); err == nil {
		out = append(out, v)
	}
	if v, err := m.session.Get(ctx, key); err == nil {
		out = append(out, v)
	}
	return out
}

// Remove deletes all copies of the key.
func (m *Mirror) Remove(ctx context.Context, key string) error {
	var firstErr error
	if err := m.persistent.Delete(ctx, primaryNS+key); err != nil {
		firstErr = err
	}
	if err := m.persistent.Delete(ctx, backupNS+key); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := m.session.Delete(ctx, key); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// Keys lists logical keys under the given prefix, from the primary
// namespace only. Orphaned backup copies are picked up on their own
// sweep once the primary is gone.
func (m *Mirror) Keys(ctx context.Context, prefix string) ([]string, error) {
	raw, err := m.persistent.Keys(ctx, primaryNS+prefix)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(raw))
	for _, k := range raw {
		keys = append(keys, strings.TrimPrefix(k, primaryNS))
	}
	return keys, nil
}
