package votes

import (
	"context"
	"fmt"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"CovesClient/internal/atproto/pds"
)

// memoryRepo is an in-memory repository implementing pds.Client.
type memoryRepo struct {
	records  map[string]map[string]any
	order    []string
	pageSize int
	creates  int
	deletes  int
	lists    int
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{records: make(map[string]map[string]any), pageSize: 2}
}

func (r *memoryRepo) DID() string     { return "did:plc:voter" }
func (r *memoryRepo) HostURL() string { return "https://pds.test" }

func (r *memoryRepo) uri(rkey string) string {
	return fmt.Sprintf("at://%s/%s/%s", r.DID(), Collection, rkey)
}

func (r *memoryRepo) CreateRecord(_ context.Context, _ string, rkey string, record any) (string, string, error) {
	r.creates++
	rec := record.(VoteRecord)
	r.records[rkey] = map[string]any{
		"subject":   map[string]any{"uri": rec.Subject.URI, "cid": rec.Subject.CID},
		"direction": rec.Direction,
	}
	r.order = append(r.order, rkey)
	return r.uri(rkey), "bafyrecord", nil
}

func (r *memoryRepo) DeleteRecord(_ context.Context, _ string, rkey string) error {
	r.deletes++
	if _, ok := r.records[rkey]; !ok {
		return fmt.Errorf("record %s not found", rkey)
	}
	delete(r.records, rkey)
	return nil
}

func (r *memoryRepo) ListRecords(_ context.Context, _ string, _ int, cursor string) (*pds.ListRecordsResponse, error) {
	r.lists++
	var live []string
	for _, rkey := range r.order {
		if _, ok := r.records[rkey]; ok {
			live = append(live, rkey)
		}
	}
	start := 0
	if cursor != "" {
		start, _ = strconv.Atoi(cursor)
	}
	end := start + r.pageSize
	resp := &pds.ListRecordsResponse{}
	if end < len(live) {
		resp.Cursor = strconv.Itoa(end)
	} else {
		end = len(live)
	}
	for _, rkey := range live[start:end] {
		resp.Records = append(resp.Records, pds.RecordEntry{URI: r.uri(rkey), CID: "bafyrecord", Value: r.records[rkey]})
	}
	return resp, nil
}

func (r *memoryRepo) GetRecord(_ context.Context, _ string, rkey string) (*pds.RecordResponse, error) {
	rec, ok := r.records[rkey]
	if !ok {
		return nil, fmt.Errorf("record %s not found", rkey)
	}
	return &pds.RecordResponse{URI: r.uri(rkey), CID: "bafyrecord", Value: rec}, nil
}

func (r *memoryRepo) votesFor(subject string) []string {
	var dirs []string
	for _, rkey := range r.order {
		rec, ok := r.records[rkey]
		if !ok {
			continue
		}
		if rec["subject"].(map[string]any)["uri"] == subject {
			dirs = append(dirs, rec["direction"].(string))
		}
	}
	return dirs
}

func TestPDSBackend_Toggle(t *testing.T) {
	repo := newMemoryRepo()
	store := NewStore(NewPDSBackend(repo, nil), Options{})
	ctx := context.Background()

	active, err := store.Toggle(ctx, testSubject, Up)
	require.NoError(t, err)
	assert.True(t, active)
	assert.Equal(t, []string{"up"}, repo.votesFor(testPostURI))

	state, _ := store.State(testPostURI)
	_, err = repo.GetRecord(ctx, Collection, state.RKey)
	require.NoError(t, err, "local state names the created record")

	active, err = store.Toggle(ctx, testSubject, Down)
	require.NoError(t, err)
	assert.True(t, active)
	assert.Equal(t, []string{"down"}, repo.votesFor(testPostURI))
	assert.Equal(t, 1, repo.deletes)

	active, err = store.Toggle(ctx, testSubject, Down)
	require.NoError(t, err)
	assert.False(t, active)
	assert.Empty(t, repo.votesFor(testPostURI))
	assert.Equal(t, 1, repo.lists, "only the first toggle scans the repository")
}

func TestPDSBackend_FindsVoteMadeElsewhere(t *testing.T) {
	repo := newMemoryRepo()
	backend := NewPDSBackend(repo, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		other := StrongRef{URI: fmt.Sprintf("at://did:plc:community/social.coves.community.post/o%d", i), CID: "bafy"}
		_, _, err := repo.CreateRecord(ctx, Collection, fmt.Sprintf("3kother%d", i), VoteRecord{Subject: other, Direction: "up"})
		require.NoError(t, err)
	}
	_, _, err := repo.CreateRecord(ctx, Collection, "3kmine", VoteRecord{Subject: testSubject, Direction: "up"})
	require.NoError(t, err)

	// No local state: the backend has to page through the collection.
	state, ok, err := backend.Toggle(ctx, testSubject, Up, VoteState{}, false)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, state.Deleted)
	assert.Empty(t, repo.votesFor(testPostURI))
	assert.Equal(t, 2, repo.lists)
}

func TestHydrateFromPDS(t *testing.T) {
	repo := newMemoryRepo()
	ctx := context.Background()
	subjects := []string{
		"at://did:plc:community/social.coves.community.post/a",
		"at://did:plc:community/social.coves.community.post/b",
		"at://did:plc:community/social.coves.community.post/c",
	}
	for i, uri := range subjects {
		dir := "up"
		if i == 1 {
			dir = "down"
		}
		_, _, err := repo.CreateRecord(ctx, Collection, fmt.Sprintf("3kv%d", i), VoteRecord{Subject: StrongRef{URI: uri, CID: "bafy"}, Direction: dir})
		require.NoError(t, err)
	}
	repo.records["3kbroken"] = map[string]any{"direction": "up"}
	repo.order = append(repo.order, "3kbroken")

	store := NewStore(NewPDSBackend(repo, nil), Options{})
	n, err := store.HydrateFromPDS(ctx, repo)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, Up, store.Direction(subjects[0]))
	assert.Equal(t, Down, store.Direction(subjects[1]))
	assert.Equal(t, Up, store.Direction(subjects[2]))

	state, _ := store.State(subjects[1])
	assert.Equal(t, "3kv1", state.RKey)
}
