package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/voyagen/pvrguide/internal/models"
)

// backends runs fn against every Store implementation that needs no server.
func backends(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Run("memory", func(t *testing.T) { fn(t, NewMemory()) })
	t.Run("sqlite", func(t *testing.T) {
		db, err := NewSQLite(context.Background(), ":memory:")
		if err != nil {
			t.Fatal(err)
		}
		t.Cleanup(db.Close)
		fn(t, db)
	})
}

func mustSource(t *testing.T, s Store, name string) int64 {
	t.Helper()
	id, err := s.CreateOrGetSource(context.Background(), &models.Source{Name: name, URL: "http://" + name, Enabled: true})
	if err != nil {
		t.Fatal(err)
	}
	return id
}

func newChannel(sourceID int64, externalID, name string) *models.Channel {
	now := time.Now().UTC().Truncate(time.Second)
	return &models.Channel{
		ExternalID: externalID,
		Name:       name,
		StreamURL:  "http://stream/" + externalID,
		SourceID:   sourceID,
		Active:     true,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func mustChannels(t *testing.T, s Store, chs ...*models.Channel) {
	t.Helper()
	batch := make([]ChannelWrite, len(chs))
	for i, c := range chs {
		batch[i] = ChannelWrite{Channel: c, Create: true}
	}
	errs, err := s.SaveChannels(context.Background(), batch)
	if err != nil {
		t.Fatal(err)
	}
	for i, e := range errs {
		if e != nil {
			t.Fatalf("record %d: %v", i, e)
		}
	}
}

func TestSources(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		id := mustSource(t, s, "iptv")
		again, err := s.CreateOrGetSource(ctx, &models.Source{Name: "iptv", URL: "http://new", Enabled: true})
		if err != nil || again != id {
			t.Fatalf("CreateOrGetSource = %d, %v; want %d", again, err, id)
		}
		src, err := s.GetSourceByID(ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		if src.URL != "http://new" {
			t.Errorf("url = %q, want updated", src.URL)
		}
		at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
		if err := s.UpdateSourceLastUpdated(ctx, id, at); err != nil {
			t.Fatal(err)
		}
		src, _ = s.GetSourceByID(ctx, id)
		if src.LastUpdated == nil || !src.LastUpdated.Equal(at) {
			t.Errorf("last_updated = %v, want %v", src.LastUpdated, at)
		}
		if _, err := s.GetSourceByID(ctx, 9999); !errors.Is(err, ErrNotFound) {
			t.Errorf("GetSourceByID(9999) = %v, want ErrNotFound", err)
		}
	})
}

func TestGroups(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		src := mustSource(t, s, "iptv")
		a, err := s.GetOrCreateGroup(ctx, src, "News")
		if err != nil {
			t.Fatal(err)
		}
		b, _ := s.GetOrCreateGroup(ctx, src, "News")
		if a != b {
			t.Errorf("group ids %d and %d, want equal", a, b)
		}
		if _, err := s.GetOrCreateGroup(ctx, src, "Sports"); err != nil {
			t.Fatal(err)
		}
		groups, err := s.ListGroups(ctx, &src)
		if err != nil || len(groups) != 2 || groups[0].Name != "News" {
			t.Errorf("groups = %+v, %v", groups, err)
		}
	})
}

func TestSaveChannelsIsolatesDuplicates(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		src := mustSource(t, s, "iptv")
		first := newChannel(src, "a", "Alpha")
		mustChannels(t, s, first)
		if first.ID == 0 {
			t.Fatal("created channel has no id")
		}

		dup := newChannel(src, "a", "Alpha again")
		other := newChannel(src, "b", "Beta")
		errs, err := s.SaveChannels(ctx, []ChannelWrite{{Channel: dup, Create: true}, {Channel: other, Create: true}})
		if err != nil {
			t.Fatal(err)
		}
		if !errors.Is(errs[0], ErrDuplicateID) || errs[1] != nil {
			t.Fatalf("errs = %v, want duplicate then nil", errs)
		}

		first.Name = "Alpha Renamed"
		if errs, err := s.SaveChannels(ctx, []ChannelWrite{{Channel: first}}); err != nil || errs[0] != nil {
			t.Fatalf("update: %v %v", err, errs)
		}
		got, err := s.GetChannelByID(ctx, first.ID)
		if err != nil || got.Name != "Alpha Renamed" {
			t.Errorf("channel = %+v, %v", got, err)
		}

		ids, err := s.ListExternalIDs(ctx)
		if err != nil || len(ids) != 2 || ids["b"] != src {
			t.Errorf("external ids = %v, %v", ids, err)
		}
	})
}

func TestDeactivateAndList(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		src := mustSource(t, s, "iptv")
		other := mustSource(t, s, "other")
		a, b, c := newChannel(src, "a", "BBC One"), newChannel(src, "b", "CNN"), newChannel(other, "c", "BBC Two")
		mustChannels(t, s, a, b, c)

		n, err := s.DeactivateChannels(ctx, []int64{b.ID})
		if err != nil || n != 1 {
			t.Fatalf("DeactivateChannels = %d, %v", n, err)
		}
		if n, _ := s.DeactivateChannels(ctx, []int64{b.ID}); n != 0 {
			t.Errorf("second DeactivateChannels = %d, want 0", n)
		}
		active, err := s.ListActiveChannels(ctx)
		if err != nil || len(active) != 2 {
			t.Errorf("active = %d, %v", len(active), err)
		}

		chs, total, err := s.ListChannels(ctx, ChannelFilter{Search: "bbc"})
		if err != nil || total != 2 || len(chs) != 2 {
			t.Errorf("search = %d/%d, %v", len(chs), total, err)
		}
		chs, total, _ = s.ListChannels(ctx, ChannelFilter{SourceID: &src, Limit: 1})
		if total != 2 || len(chs) != 1 || chs[0].ID != a.ID {
			t.Errorf("by source = %+v total %d", chs, total)
		}
		bySource, _ := s.ListChannelsBySource(ctx, src)
		if len(bySource) != 2 {
			t.Errorf("ListChannelsBySource = %d, want inactive included", len(bySource))
		}
	})
}

func TestMappings(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		src := mustSource(t, s, "iptv")
		ch := newChannel(src, "a", "A")
		mustChannels(t, s, ch)
		epg, err := s.CreateEPGSource(ctx, &models.EPGSource{Name: "guide", URL: "http://g", Priority: 5, AutoMap: true, Active: true})
		if err != nil {
			t.Fatal(err)
		}

		if _, err := s.GetActiveMapping(ctx, ch.ID, epg); !errors.Is(err, ErrNotFound) {
			t.Fatalf("GetActiveMapping = %v, want ErrNotFound", err)
		}
		now := time.Now().UTC().Truncate(time.Second)
		m := &models.ChannelEPGMapping{ChannelID: ch.ID, EPGSourceID: epg, EPGChannelID: "a.tv",
			Confidence: 0.9, Method: models.MatchFuzzy, Active: true, CreatedAt: now, UpdatedAt: now}
		if _, err := s.CreateMapping(ctx, m); err != nil {
			t.Fatal(err)
		}
		second := *m
		if _, err := s.CreateMapping(ctx, &second); err == nil {
			t.Error("second active mapping for the same pair was accepted")
		}

		m.EPGChannelID, m.Method = "a.hd", models.MatchExact
		if err := s.UpdateMapping(ctx, m); err != nil {
			t.Fatal(err)
		}
		got, err := s.GetActiveMapping(ctx, ch.ID, epg)
		if err != nil || got.EPGChannelID != "a.hd" || got.Method != models.MatchExact {
			t.Errorf("mapping = %+v, %v", got, err)
		}
		list, err := s.ListMappings(ctx, MappingFilter{EPGSourceID: &epg, ActiveOnly: true})
		if err != nil || len(list) != 1 {
			t.Errorf("ListMappings = %d, %v", len(list), err)
		}

		if ok, err := s.DeleteMapping(ctx, ch.ID, epg); err != nil || !ok {
			t.Errorf("DeleteMapping = %v, %v", ok, err)
		}
		if ok, _ := s.DeleteMapping(ctx, ch.ID, epg); ok {
			t.Error("second DeleteMapping reported a deletion")
		}
	})
}

func TestEPGSources(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		low, _ := s.CreateEPGSource(ctx, &models.EPGSource{Name: "low", URL: "http://l", Priority: 1, Active: true})
		high, _ := s.CreateEPGSource(ctx, &models.EPGSource{Name: "high", URL: "http://h", Priority: 9, Active: true})
		if _, err := s.CreateEPGSource(ctx, &models.EPGSource{Name: "off", URL: "http://o"}); err != nil {
			t.Fatal(err)
		}
		again, _ := s.CreateEPGSource(ctx, &models.EPGSource{Name: "low", URL: "http://l2"})
		if again != low {
			t.Errorf("CreateEPGSource by name = %d, want %d", again, low)
		}

		active, err := s.ListEPGSources(ctx, true)
		if err != nil || len(active) != 2 || active[0].ID != high {
			t.Fatalf("active sources = %+v, %v", active, err)
		}
		if active[1].Priority != 1 || active[1].URL != "http://l2" {
			t.Errorf("re-created source = %+v, want priority kept and url updated", active[1])
		}
		if all, _ := s.ListEPGSources(ctx, false); len(all) != 3 {
			t.Errorf("all sources = %d", len(all))
		}

		channels, programs := 10, 200
		msg := "boom"
		if err := s.UpdateEPGSourceStatus(ctx, high, EPGSourceStatus{ImportStatus: models.ImportStatusCompleted,
			ChannelCount: &channels, ProgramCount: &programs}); err != nil {
			t.Fatal(err)
		}
		if err := s.UpdateEPGSourceStatus(ctx, high, EPGSourceStatus{ImportStatus: models.ImportStatusFailed, LastError: &msg}); err != nil {
			t.Fatal(err)
		}
		got, err := s.GetEPGSource(ctx, high)
		if err != nil {
			t.Fatal(err)
		}
		if got.ImportStatus != models.ImportStatusFailed || got.LastError == nil || got.ProgramCount != 200 {
			t.Errorf("source = %+v, want failed with counters kept", got)
		}
	})
}

func TestPrograms(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		src := mustSource(t, s, "iptv")
		a, b := newChannel(src, "a", "A"), newChannel(src, "b", "B")
		mustChannels(t, s, a, b)
		epg, _ := s.CreateEPGSource(ctx, &models.EPGSource{Name: "guide", URL: "http://g", Active: true})

		base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
		n, err := s.ReplacePrograms(ctx, epg, []models.EPGProgram{
			{ChannelID: a.ID, OriginalChannelID: "a.tv", Title: "old", Start: base.Add(-72 * time.Hour), End: base.Add(-71 * time.Hour)},
			{ChannelID: b.ID, OriginalChannelID: "b.tv", Title: "new", Start: base.Add(-time.Hour), End: base},
		})
		if err != nil || n != 2 {
			t.Fatalf("ReplacePrograms = %d, %v", n, err)
		}
		recent, err := s.ChannelsWithProgramsSince(ctx, base.Add(-48*time.Hour))
		if err != nil {
			t.Fatal(err)
		}
		if recent[a.ID] || !recent[b.ID] {
			t.Errorf("recent = %v, want only %d", recent, b.ID)
		}

		if _, err := s.ReplacePrograms(ctx, epg, nil); err != nil {
			t.Fatal(err)
		}
		if recent, _ := s.ChannelsWithProgramsSince(ctx, time.Time{}); len(recent) != 0 {
			t.Errorf("programmes left after replace: %v", recent)
		}
	})
}

func TestChannelFilterLimits(t *testing.T) {
	for _, tc := range []struct {
		in, want int
	}{{0, DefaultChannelLimit}, {-5, DefaultChannelLimit}, {10, 10}, {1000, MaxChannelLimit}} {
		if got := (ChannelFilter{Limit: tc.in}).limit(); got != tc.want {
			t.Errorf("limit(%d) = %d, want %d", tc.in, got, tc.want)
		}
	}
}

var reCreateTable = regexp.MustCompile(`(?s)CREATE TABLE IF NOT EXISTS (\w+) \((.*?)\n\);`)

// schemaColumns returns the column names of every table created by ddl.
func schemaColumns(ddl string) map[string][]string {
	out := make(map[string][]string)
	for _, m := range reCreateTable.FindAllStringSubmatch(ddl, -1) {
		var cols []string
		for _, line := range strings.Split(m[2], "\n") {
			fields := strings.Fields(line)
			if len(fields) == 0 || fields[0] != strings.ToLower(fields[0]) {
				continue // table constraint such as UNIQUE or CHECK
			}
			cols = append(cols, fields[0])
		}
		out[m[1]] = cols
	}
	return out
}

func TestSQLiteSchemaMatchesMigrations(t *testing.T) {
	up, err := os.ReadFile(filepath.Join("..", "..", "migrations", "000001_init.up.sql"))
	if err != nil {
		t.Fatal(err)
	}
	want := schemaColumns(string(up))
	got := schemaColumns(sqliteSchema)
	if len(want) == 0 {
		t.Fatal("no tables found in the migration")
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("sqlite schema drifted from migrations:\n got  %v\n want %v", got, want)
	}
}
