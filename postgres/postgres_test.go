package postgres

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/GetStream/chat-fanout/api"
	"github.com/GetStream/chat-fanout/reaction"
)

// setupTestPostgres connects to TEST_DATABASE_URL and recreates the
// schema. Tests are skipped when it is unset.
func setupTestPostgres(t *testing.T) *Postgres {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" || testing.Short() {
		t.Skip("TEST_DATABASE_URL not set; skipping integration test")
	}

	ctx := context.Background()
	pg, err := Connect(ctx, dsn)
	if err != nil {
		t.Fatalf("failed to connect to postgres: %v", err)
	}
	if _, err := pg.bun.NewDropTable().Model((*message)(nil)).IfExists().Exec(ctx); err != nil {
		t.Fatalf("failed to drop table: %v", err)
	}
	if err := pg.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	t.Cleanup(func() {
		_ = pg.Close()
	})
	return pg
}

func insert(t *testing.T, pg *Postgres, msg api.Message) api.Message {
	t.Helper()
	got, err := pg.InsertMessage(context.Background(), msg)
	if err != nil {
		t.Fatal(err)
	}
	return got
}

var ignoreTimes = cmpopts.IgnoreFields(api.Message{}, "CreatedAt", "UpdatedAt")

func TestPostgres_InsertAndList(t *testing.T) {
	pg := setupTestPostgres(t)
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	var ids []string
	for i := range 4 {
		m := insert(t, pg, api.Message{
			ChannelID: "42",
			Text:      "hello",
			UserID:    "alice",
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
			UpdatedAt: base.Add(time.Duration(i) * time.Minute),
		})
		ids = append(ids, m.ID)
	}
	insert(t, pg, api.Message{ChannelID: "7", Text: "elsewhere", UserID: "bob"})

	got, err := pg.ListMessages(ctx, "42", 2, 0, ids[3])
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].ID != ids[2] || got[1].ID != ids[1] {
		t.Fatalf("Got %v, want messages %s and %s", got, ids[2], ids[1])
	}
	want := api.Message{
		ID:        ids[2],
		ChannelID: "42",
		Text:      "hello",
		UserID:    "alice",
		CreatedAt: base.Add(2 * time.Minute),
		UpdatedAt: base.Add(2 * time.Minute),
		Reactions: []reaction.Reaction{},
	}
	if diff := cmp.Diff(want, got[0]); diff != "" {
		t.Errorf("ListMessages mismatch (-want +got):\n%s", diff)
	}
}

func TestPostgres_GetMessage(t *testing.T) {
	pg := setupTestPostgres(t)
	ctx := context.Background()

	m := insert(t, pg, api.Message{ChannelID: "42", Text: "hello", UserID: "alice"})
	got, err := pg.GetMessage(ctx, m.ID)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(m, got, ignoreTimes); diff != "" {
		t.Errorf("GetMessage mismatch (-want +got):\n%s", diff)
	}

	for _, id := range []string{"not-a-uuid", "00000000-0000-0000-0000-000000000000"} {
		if _, err := pg.GetMessage(ctx, id); !errors.Is(err, api.ErrNotFound) {
			t.Errorf("GetMessage(%q) = %v, want ErrNotFound", id, err)
		}
	}
}

func TestPostgres_UpdateMessage(t *testing.T) {
	pg := setupTestPostgres(t)
	ctx := context.Background()

	m := insert(t, pg, api.Message{ChannelID: "42", Text: "hello", UserID: "alice"})
	got, err := pg.UpdateMessage(ctx, m.ID, "edited")
	if err != nil {
		t.Fatal(err)
	}
	if got.Text != "edited" || got.UserID != "alice" || got.ChannelID != "42" {
		t.Errorf("Got %+v", got)
	}
	if got.UpdatedAt.Before(m.UpdatedAt) {
		t.Errorf("UpdatedAt went backwards: %v < %v", got.UpdatedAt, m.UpdatedAt)
	}

	if _, err := pg.UpdateMessage(ctx, "00000000-0000-0000-0000-000000000000", "x"); !errors.Is(err, api.ErrNotFound) {
		t.Errorf("Got %v, want ErrNotFound", err)
	}
}

func TestPostgres_DeleteMessageWithReplies(t *testing.T) {
	pg := setupTestPostgres(t)
	ctx := context.Background()

	parent := insert(t, pg, api.Message{ChannelID: "42", Text: "parent", UserID: "alice"})
	r1 := insert(t, pg, api.Message{ChannelID: "42", ThreadID: parent.ID, Text: "r1", UserID: "bob"})
	r2 := insert(t, pg, api.Message{ChannelID: "42", ThreadID: parent.ID, Text: "r2", UserID: "carol"})
	other := insert(t, pg, api.Message{ChannelID: "42", Text: "other", UserID: "alice"})

	ids, err := pg.DeleteMessage(ctx, parent.ID)
	if err != nil {
		t.Fatal(err)
	}
	if ids[0] != parent.ID {
		t.Errorf("Got %v, want %s first", ids, parent.ID)
	}
	if diff := cmp.Diff([]string{parent.ID, r1.ID, r2.ID}, ids, cmpopts.SortSlices(func(a, b string) bool { return a < b })); diff != "" {
		t.Errorf("deleted ids mismatch (-want +got):\n%s", diff)
	}

	left, err := pg.ListMessages(ctx, "42", 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(left) != 1 || left[0].ID != other.ID {
		t.Errorf("Got %v, want only %s", left, other.ID)
	}

	if _, err := pg.DeleteMessage(ctx, parent.ID); !errors.Is(err, api.ErrNotFound) {
		t.Errorf("Got %v, want ErrNotFound", err)
	}
}

func TestPostgres_ListReplies(t *testing.T) {
	pg := setupTestPostgres(t)
	ctx := context.Background()

	p1 := insert(t, pg, api.Message{ChannelID: "42", Text: "p1", UserID: "alice"})
	p2 := insert(t, pg, api.Message{ChannelID: "42", Text: "p2", UserID: "alice"})
	r1 := insert(t, pg, api.Message{ChannelID: "42", ThreadID: p1.ID, Text: "r1", UserID: "bob"})
	r2 := insert(t, pg, api.Message{ChannelID: "42", ThreadID: p2.ID, Text: "r2", UserID: "carol"})
	insert(t, pg, api.Message{ChannelID: "42", Text: "other", UserID: "alice"})

	got, err := pg.ListReplies(ctx, p1.ID, p2.ID, "not-a-uuid")
	if err != nil {
		t.Fatal(err)
	}
	ids := make([]string, len(got))
	for i, m := range got {
		ids[i] = m.ID
		if i > 0 && m.CreatedAt.Before(got[i-1].CreatedAt) {
			t.Errorf("Replies not oldest first: %v", got)
		}
	}
	if diff := cmp.Diff([]string{r1.ID, r2.ID}, ids, cmpopts.SortSlices(func(a, b string) bool { return a < b })); diff != "" {
		t.Errorf("reply ids mismatch (-want +got):\n%s", diff)
	}

	got, err = pg.ListReplies(ctx, "not-a-uuid")
	if err != nil || len(got) != 0 {
		t.Errorf("Got %v, %v, want no replies", got, err)
	}
}

func TestPostgres_SaveReactionsCompareAndSwap(t *testing.T) {
	pg := setupTestPostgres(t)
	ctx := context.Background()

	m := insert(t, pg, api.Message{ChannelID: "42", Text: "hello", UserID: "alice"})
	snap, err := pg.LoadReactions(ctx, m.ID)
	if err != nil {
		t.Fatal(err)
	}
	if snap.Version != 0 || snap.ChannelID != "42" || len(snap.Reactions) != 0 {
		t.Fatalf("Got snapshot %+v", snap)
	}

	reactions := []reaction.Reaction{{Emoji: "👍", Count: 1, Users: []string{"bob"}}}
	if err := pg.SaveReactions(ctx, m.ID, 0, reactions); err != nil {
		t.Fatal(err)
	}
	if err := pg.SaveReactions(ctx, m.ID, 0, nil); !errors.Is(err, reaction.ErrConflict) {
		t.Errorf("Got %v, want ErrConflict", err)
	}
	if err := pg.SaveReactions(ctx, "00000000-0000-0000-0000-000000000000", 0, nil); !errors.Is(err, reaction.ErrNotFound) {
		t.Errorf("Got %v, want ErrNotFound", err)
	}

	snap, err = pg.LoadReactions(ctx, m.ID)
	if err != nil {
		t.Fatal(err)
	}
	want := reaction.Snapshot{MessageID: m.ID, ChannelID: "42", Version: 1, Reactions: reactions}
	if diff := cmp.Diff(want, snap); diff != "" {
		t.Errorf("LoadReactions mismatch (-want +got):\n%s", diff)
	}
}

func TestPostgres_ConcurrentToggles(t *testing.T) {
	pg := setupTestPostgres(t)
	ctx := context.Background()
	m := insert(t, pg, api.Message{ChannelID: "42", Text: "hello", UserID: "alice"})

	// Two aggregators over the same table stand in for two processes.
	a1 := &reaction.Aggregator{Store: pg, MaxAttempts: 50, Backoff: time.Millisecond}
	a2 := &reaction.Aggregator{Store: pg, MaxAttempts: 50, Backoff: time.Millisecond}

	users := []string{"u1", "u2", "u3", "u4", "u5", "u6", "u7", "u8"}
	var wg sync.WaitGroup
	for i, u := range users {
		agg := a1
		if i%2 == 1 {
			agg = a2
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := agg.Toggle(ctx, m.ID, u, "🔥"); err != nil {
				t.Errorf("Toggle(%s): %v", u, err)
			}
		}()
	}
	wg.Wait()

	snap, err := pg.LoadReactions(ctx, m.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(snap.Reactions) != 1 || snap.Reactions[0].Count != len(users) {
		t.Errorf("Got %+v, want %d users on one reaction", snap.Reactions, len(users))
	}
	if snap.Version != int64(len(users)) {
		t.Errorf("Got version %d, want %d", snap.Version, len(users))
	}
}
