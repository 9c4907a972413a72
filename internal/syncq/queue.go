// Package syncq is the CLI's offline queue of trade proposals. Entries are
// keyed by trade id; the server treats a replayed proposal with a known id
// and identical terms as a no-op, so replaying twice is safe.
package syncq

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
)

type Command struct {
	TradeID  string          `json:"trade_id"`
	Body     json.RawMessage `json:"body"`
	QueuedAt time.Time       `json:"queued_at"`
}

// Queue is a JSON file of pending commands.
type Queue struct {
	path string
}

// Open uses dir/queue.json, creating dir if needed.
func Open(dir string) (*Queue, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	return &Queue{path: filepath.Join(dir, "queue.json")}, nil
}

func (q *Queue) Load() ([]Command, error) {
	out := []Command{}
	if _, err := ReadJSON(q.path, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (q *Queue) Save(commands []Command) error {
	if commands == nil {
		commands = []Command{}
	}
	return WriteJSON(q.path, commands)
}

// Push queues body under tradeID. Pushing an id already queued replaces
// the earlier entry.
func (q *Queue) Push(tradeID string, body any) error {
	if tradeID == "" {
		return errors.New("trade id is required")
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return errors.Wrap(err, "encode queued command")
	}
	commands, err := q.Load()
	if err != nil {
		return err
	}
	cmd := Command{TradeID: tradeID, Body: raw, QueuedAt: time.Now().UTC()}
	for i, c := range commands {
		if c.TradeID == tradeID {
			commands[i] = cmd
			return q.Save(commands)
		}
	}
	return q.Save(append(commands, cmd))
}

// Remove drops the given trade ids.
func (q *Queue) Remove(tradeIDs ...string) error {
	drop := make(map[string]struct{}, len(tradeIDs))
	for _, id := range tradeIDs {
		drop[id] = struct{}{}
	}
	commands, err := q.Load()
	if err != nil {
		return err
	}
	kept := commands[:0]
	for _, c := range commands {
		if _, ok := drop[c.TradeID]; !ok {
			kept = append(kept, c)
		}
	}
	return q.Save(kept)
}
