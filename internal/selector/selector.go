// Package selector resolves the identities a populate run should add.
package selector

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/rcourtman/keyagent/internal/agentkey"
	keyerrors "github.com/rcourtman/keyagent/internal/errors"
	"github.com/rcourtman/keyagent/internal/keystore"
)

// IdentitySet is an ordered set of identities and the session that owns them.
type IdentitySet struct {
	Owner      uuid.UUID
	Identities []agentkey.Identity
}

// Len returns the number of identities in the set.
func (s IdentitySet) Len() int {
	return len(s.Identities)
}

// SkipFunc is told about auto-load entries that were left out because their key could not be extracted.
type SkipFunc func(entry *keystore.Entry, err error)

var extractFn = agentkey.Extract

// Select resolves target against db. An empty target selects every auto-load
// entry; otherwise exactly the entry at that path is selected.
func Select(db keystore.Database, target string, onSkip SkipFunc) (IdentitySet, error) {
	set := IdentitySet{Owner: db.UUID()}

	if strings.TrimSpace(target) == "" {
		entries, err := db.AutoLoadEntries()
		if err != nil {
			return set, fmt.Errorf("list auto-load entries: %w", err)
		}
		for _, entry := range entries {
			id, err := extractFn(entry)
			if err != nil {
				if onSkip != nil {
					onSkip(entry, err)
				}
				continue
			}
			set.Identities = append(set.Identities, id)
		}
		return set, nil
	}

	entry, err := db.FindEntryByPath(target)
	if err != nil {
		if keyerrors.Is(err, keyerrors.ErrNotFound) {
			return set, err
		}
		return set, fmt.Errorf("find entry %s: %w", target, err)
	}
	id, err := extractFn(entry)
	if err != nil {
		return set, err
	}
	set.Identities = []agentkey.Identity{id}
	return set, nil
}
