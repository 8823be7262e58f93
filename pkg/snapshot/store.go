// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package snapshot provides append-only keyed persistence for
// serialized conversation states. Each snapshot optionally points at a
// parent, forming a forest that supports branching.
//
// The store is a single SQLite table:
//
//	snapshots(id TEXT PK, parent_id TEXT, timestamp TEXT, payload BLOB, meta TEXT)
//
// Writes are atomic per snapshot; reads of a missing id return nil
// without error. Snapshot ids are stable across process restarts.
package snapshot

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS snapshots (
	id TEXT PRIMARY KEY,
	parent_id TEXT,
	timestamp TEXT NOT NULL,
	payload BLOB NOT NULL,
	meta TEXT
)`

// Descriptor summarizes a stored snapshot for listing.
type Descriptor struct {
	ID        string    `json:"id"`
	ParentID  string    `json:"parent_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Name      string    `json:"name,omitempty"`
	AgentID   string    `json:"agent_id,omitempty"`
}

// Store is a thin wrapper around an on-disk SQLite DB for snapshot
// CRUD. It is safe for concurrent callers; SQLite serializes writes
// and the WAL journal keeps readers unblocked.
type Store struct {
	db   *sql.DB
	path string
}

// Open creates or opens the store at path, ensuring the schema.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("snapshot store path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create snapshot directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=10000")
	if err != nil {
		return nil, fmt.Errorf("failed to open snapshot database: %w", err)
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ensure snapshot schema: %w", err)
	}

	return &Store{db: db, path: path}, nil
}

// Close releases the backing database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Snapshot persists payload and returns the newly generated snapshot
// id. parentID may be empty for a root snapshot.
func (s *Store) Snapshot(payload []byte, parentID string, meta map[string]any) (string, error) {
	if len(payload) == 0 {
		return "", fmt.Errorf("cannot snapshot empty payload")
	}
	if parentID != "" {
		existing, err := s.Restore(parentID)
		if err != nil {
			return "", err
		}
		if existing == nil {
			return "", fmt.Errorf("parent snapshot %s not found", parentID)
		}
	}

	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return "", fmt.Errorf("failed to serialize snapshot meta: %w", err)
	}

	var parent sql.NullString
	if parentID != "" {
		parent = sql.NullString{String: parentID, Valid: true}
	}

	// Fixed-width timestamps keep the text ordering List relies on
	// chronological.
	_, err = s.db.Exec(
		"INSERT INTO snapshots (id, parent_id, timestamp, payload, meta) VALUES (?, ?, ?, ?, ?)",
		id, parent, time.Now().UTC().Format("2006-01-02T15:04:05.000000000Z07:00"), payload, string(metaJSON),
	)
	if err != nil {
		return "", fmt.Errorf("failed to insert snapshot: %w", err)
	}
	return id, nil
}

// Restore returns the payload for snapshotID, or nil when the id does
// not exist. Missing ids are not an error.
func (s *Store) Restore(snapshotID string) ([]byte, error) {
	var payload []byte
	err := s.db.QueryRow("SELECT payload FROM snapshots WHERE id = ?", snapshotID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot %s: %w", snapshotID, err)
	}
	return payload, nil
}

// BranchFrom duplicates snapshotID's payload into a child snapshot and
// returns the new id together with the payload so the caller can
// immediately hydrate a fresh conversation.
func (s *Store) BranchFrom(snapshotID string, meta map[string]any) (string, []byte, error) {
	payload, err := s.Restore(snapshotID)
	if err != nil {
		return "", nil, err
	}
	if payload == nil {
		return "", nil, fmt.Errorf("cannot branch: snapshot %s not found", snapshotID)
	}

	newID, err := s.Snapshot(payload, snapshotID, meta)
	if err != nil {
		return "", nil, err
	}
	return newID, payload, nil
}

// List returns snapshot descriptors ordered by timestamp descending.
func (s *Store) List(limit, offset int) ([]Descriptor, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := s.db.Query(
		`SELECT id, parent_id, timestamp, json_extract(meta, '$.name'), json_extract(meta, '$.agent_id')
		 FROM snapshots ORDER BY timestamp DESC LIMIT ? OFFSET ?`,
		limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}
	defer rows.Close()

	var out []Descriptor
	for rows.Next() {
		var (
			d       Descriptor
			parent  sql.NullString
			name    sql.NullString
			agentID sql.NullString
			ts      string
		)
		if err := rows.Scan(&d.ID, &parent, &ts, &name, &agentID); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot row: %w", err)
		}
		if parent.Valid {
			d.ParentID = parent.String
		}
		if name.Valid {
			d.Name = name.String
		}
		if agentID.Valid {
			d.AgentID = agentID.String
		}
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			d.Timestamp = t
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
