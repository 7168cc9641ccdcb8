package jobs

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/onnwee/clip-tender/testutil"
)

func TestPostgresStoreEnforcesSingleActiveJob(t *testing.T) {
	database := testutil.SetupTestDB(t)
	ctx := context.Background()
	store := NewPostgresStore(database)
	key := "vod:pg-" + uuid.NewString()

	first := &Job{ID: uuid.NewString(), Kind: KindAnalyzeVOD, Status: StatusPending, ResourceKey: key, Payload: []byte(`{"vod_id":"1"}`)}
	if err := store.Create(ctx, first); err != nil {
		t.Fatalf("create: %v", err)
	}
	second := &Job{ID: uuid.NewString(), Kind: KindAnalyzeVOD, Status: StatusPending, ResourceKey: key}
	if err := store.Create(ctx, second); !errors.Is(err, ErrResourceBusy) {
		t.Fatalf("second create err = %v, want ErrResourceBusy", err)
	}

	active, ok, err := store.FindActive(ctx, key)
	if err != nil || !ok || active.ID != first.ID {
		t.Fatalf("FindActive = %v, %v, %v; want first job", active.ID, ok, err)
	}

	got, err := store.Update(ctx, first.ID, func(j *Job) error {
		j.Status = StatusFailed
		j.Error = "boom"
		return nil
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if got.Status != StatusFailed || got.Error != "boom" {
		t.Errorf("updated job = %+v", got)
	}
	if string(got.Payload) != `{"vod_id": "1"}` && string(got.Payload) != `{"vod_id":"1"}` {
		t.Errorf("payload = %s", got.Payload)
	}

	if err := store.Create(ctx, second); err != nil {
		t.Fatalf("create after terminal: %v", err)
	}
	list, err := store.List(ctx, ListFilter{ResourceKey: key})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 || list[0].ID != first.ID {
		t.Errorf("list = %d jobs, want first then second", len(list))
	}
}

func TestPostgresStoreUpdateSkipLeavesRow(t *testing.T) {
	database := testutil.SetupTestDB(t)
	ctx := context.Background()
	store := NewPostgresStore(database)

	j := &Job{ID: uuid.NewString(), Kind: KindExtractClip, Status: StatusPending, ResourceKey: "highlight:" + uuid.NewString()}
	if err := store.Create(ctx, j); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.Update(ctx, j.ID, func(*Job) error { return errSkip }); !errors.Is(err, errSkip) {
		t.Fatalf("update err = %v, want errSkip", err)
	}
	got, err := store.Get(ctx, j.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusPending || got.Attempts != 0 {
		t.Errorf("row changed: %+v", got)
	}
	if _, err := store.Get(ctx, uuid.NewString()); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing job err = %v, want ErrNotFound", err)
	}
}
