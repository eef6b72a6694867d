package sinks

import (
	"time"

	"github.com/JakeFAU/taskhub/internal/task"
)

var baseTime = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func record(id, typ string, status task.Status, eventType string, offset time.Duration) task.Record {
	snap := task.Snapshot{
		ID:        id,
		Type:      typ,
		Title:     "title " + id,
		Status:    status,
		CreatedAt: baseTime,
		Meta:      map[string]any{},
	}
	if status != task.StatusQueued {
		started := baseTime.Add(time.Second)
		snap.StartedAt = &started
	}
	if status.IsTerminal() && eventType == task.EventFinished {
		finished := baseTime.Add(offset)
		snap.FinishedAt = &finished
	}
	return task.Record{
		Task:  snap,
		Event: task.Event{TS: baseTime.Add(offset), Type: eventType},
	}
}

type errString string

func (e errString) Error() string { return string(e) }
