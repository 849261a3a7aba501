// -----------------------------------------------------------------------
// In-memory coordinator for tests - collections, queries, claim hook
// -----------------------------------------------------------------------

package coordinatortest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gleanr/gleaner/internal/coordinator"
	"github.com/gleanr/gleaner/internal/models"
)

// DefaultLeaseTimeout applies when a claim update carries no
// X-Lease-Timeout-Ms header.
const DefaultLeaseTimeout = 30 * time.Minute

// Fake is an in-memory stand-in for the coordinator. It stores
// documents as JSON-shaped maps, evaluates where trees directly, and
// enforces the claim invariant on job collections the way the real
// coordinator's hook does.
type Fake struct {
	mu   sync.Mutex
	docs map[string][]map[string]interface{}
	seq  int
	now  time.Time

	// User is what Me returns; nil simulates an unrecognized API key
	User *models.Worker
}

// NewFake creates an empty fake with a controllable clock
func NewFake() *Fake {
	return &Fake{
		docs: make(map[string][]map[string]interface{}),
		now:  time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
	}
}

// Now returns the fake's current time
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Advance moves the fake clock forward
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

// Seed inserts a document verbatim, assigning an id when missing
func (f *Fake) Seed(collection string, doc map[string]interface{}) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.insertLocked(collection, doc)
}

// SeedObject inserts any JSON-marshalable value as a document
func (f *Fake) SeedObject(collection string, obj interface{}) string {
	doc, err := toMap(obj)
	if err != nil {
		panic(fmt.Sprintf("coordinatortest: cannot seed %s: %v", collection, err))
	}
	return f.Seed(collection, doc)
}

// All returns copies of every document in a collection
func (f *Fake) All(collection string) []map[string]interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]map[string]interface{}, 0, len(f.docs[collection]))
	for _, doc := range f.docs[collection] {
		out = append(out, copyMap(doc))
	}
	return out
}

// Get returns a copy of one document, nil when absent
func (f *Fake) Get(collection, id string) map[string]interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	if doc := f.findLocked(collection, id); doc != nil {
		return copyMap(doc)
	}
	return nil
}

// GetAs decodes one document into out, reporting presence
func (f *Fake) GetAs(collection, id string, out interface{}) bool {
	doc := f.Get(collection, id)
	if doc == nil {
		return false
	}
	data, _ := json.Marshal(doc)
	_ = json.Unmarshal(data, out)
	return true
}

// --- interfaces.Coordinator ---

func (f *Fake) Find(ctx context.Context, collection string, params coordinator.FindParams) (*coordinator.ListResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	matched := make([]map[string]interface{}, 0)
	for _, doc := range f.docs[collection] {
		ok, err := f.matchLocked(doc, params.Where)
		if err != nil {
			return nil, err
		}
		if ok {
			matched = append(matched, doc)
		}
	}

	if params.Sort != "" {
		sortDocs(matched, params.Sort)
	}

	total := len(matched)
	if params.Limit > 0 && len(matched) > params.Limit {
		matched = matched[:params.Limit]
	}

	result := &coordinator.ListResult{TotalDocs: total}
	for _, doc := range matched {
		data, err := json.Marshal(doc)
		if err != nil {
			return nil, err
		}
		result.Docs = append(result.Docs, data)
	}
	return result, nil
}

func (f *Fake) FindByID(ctx context.Context, collection, id string, out interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	doc := f.findLocked(collection, id)
	if doc == nil {
		return notFound(collection, id)
	}
	return decodeInto(doc, out)
}

func (f *Fake) Create(ctx context.Context, collection string, data interface{}, out interface{}) error {
	doc, err := toMap(data)
	if err != nil {
		return err
	}

	f.mu.Lock()
	f.insertLocked(collection, doc)
	f.mu.Unlock()

	if out != nil {
		return decodeInto(doc, out)
	}
	return nil
}

func (f *Fake) CreateWithFile(ctx context.Context, collection string, data interface{}, filename, mimeType string, blob []byte, out interface{}) error {
	doc, err := toMap(data)
	if err != nil {
		return err
	}
	doc["filename"] = filename
	doc["mimeType"] = mimeType
	doc["filesize"] = len(blob)

	f.mu.Lock()
	f.insertLocked(collection, doc)
	f.mu.Unlock()

	if out != nil {
		return decodeInto(doc, out)
	}
	return nil
}

func (f *Fake) UpdateByID(ctx context.Context, collection, id string, patch interface{}, extraHeaders http.Header, out interface{}) error {
	patchMap, err := toMap(patch)
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	doc := f.findLocked(collection, id)
	if doc == nil {
		return notFound(collection, id)
	}

	if isJobCollection(collection) {
		if err := f.enforceClaimLocked(collection, doc, patchMap, extraHeaders); err != nil {
			return err
		}
	}

	mergeInto(doc, patchMap)
	doc["updatedAt"] = f.now.Format(time.RFC3339Nano)

	if out != nil {
		return decodeInto(doc, out)
	}
	return nil
}

func (f *Fake) UpdateWhere(ctx context.Context, collection string, where coordinator.Where, patch interface{}) error {
	patchMap, err := toMap(patch)
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	for _, doc := range f.docs[collection] {
		ok, err := f.matchLocked(doc, &where)
		if err != nil {
			return err
		}
		if ok {
			mergeInto(doc, copyMap(patchMap))
			doc["updatedAt"] = f.now.Format(time.RFC3339Nano)
		}
	}
	return nil
}

func (f *Fake) Delete(ctx context.Context, collection string, where coordinator.Where) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	kept := f.docs[collection][:0]
	for _, doc := range f.docs[collection] {
		ok, err := f.matchLocked(doc, &where)
		if err != nil {
			return err
		}
		if !ok {
			kept = append(kept, doc)
		}
	}
	f.docs[collection] = kept
	return nil
}

func (f *Fake) Count(ctx context.Context, collection string, where *coordinator.Where) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	count := 0
	for _, doc := range f.docs[collection] {
		ok, err := f.matchLocked(doc, where)
		if err != nil {
			return 0, err
		}
		if ok {
			count++
		}
	}
	return count, nil
}

func (f *Fake) Me(ctx context.Context) (*models.Worker, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.User, nil
}

// --- claim hook ---

// enforceClaimLocked mirrors the coordinator's server-side hook: an
// update that sets claimedBy to a worker succeeds only when the current
// record is unclaimed, claimed by the same worker, or stale. Claims
// against terminal jobs are always rejected.
func (f *Fake) enforceClaimLocked(collection string, doc, patch map[string]interface{}, headers http.Header) error {
	newClaim, present := patch["claimedBy"]
	if !present || newClaim == nil {
		return nil
	}
	claimant, _ := newClaim.(string)

	status, _ := doc["status"].(string)
	if status == string(models.JobStatusCompleted) || status == string(models.JobStatusFailed) {
		return claimRejected(collection, doc, "job is terminal")
	}

	current, hasCurrent := doc["claimedBy"].(string)
	if !hasCurrent || current == "" || current == claimant {
		return nil
	}

	timeout := DefaultLeaseTimeout
	if headers != nil {
		if ms, err := strconv.Atoi(headers.Get(coordinator.LeaseTimeoutHeader)); err == nil && ms > 0 {
			timeout = time.Duration(ms) * time.Millisecond
		}
	}

	claimedAt, ok := parseTime(doc["claimedAt"])
	if ok && f.now.Sub(claimedAt) < timeout {
		return claimRejected(collection, doc, "lease is fresh")
	}
	return nil
}

func claimRejected(collection string, doc map[string]interface{}, reason string) error {
	id, _ := doc["id"].(string)
	return &coordinator.APIError{
		Status: http.StatusConflict,
		Method: http.MethodPatch,
		Path:   fmt.Sprintf("/api/%s/%s", collection, id),
		Body:   reason,
	}
}

func isJobCollection(collection string) bool {
	return strings.HasSuffix(collection, "-jobs")
}

// --- where evaluation ---

func (f *Fake) matchLocked(doc map[string]interface{}, where *coordinator.Where) (bool, error) {
	if where == nil || where.IsZero() {
		return true, nil
	}
	return f.evalLocked(doc, *where)
}

func (f *Fake) evalLocked(doc map[string]interface{}, where coordinator.Where) (bool, error) {
	switch {
	case len(where.And) > 0:
		for _, clause := range where.And {
			ok, err := f.evalLocked(doc, clause)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	case len(where.Or) > 0:
		for _, clause := range where.Or {
			ok, err := f.evalLocked(doc, clause)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	case where.Field != "":
		return f.evalLeafLocked(doc, where)
	default:
		return false, fmt.Errorf("empty where clause")
	}
}

func (f *Fake) evalLeafLocked(doc map[string]interface{}, where coordinator.Where) (bool, error) {
	value, present := lookupField(doc, where.Field)

	switch where.Op {
	case coordinator.OpEquals:
		if where.Value == nil {
			return !present || value == nil, nil
		}
		return present && equalValues(value, where.Value), nil
	case coordinator.OpNotEquals:
		if where.Value == nil {
			return present && value != nil, nil
		}
		return !present || !equalValues(value, where.Value), nil
	case coordinator.OpGreaterThan:
		return present && compareValues(value, where.Value) > 0, nil
	case coordinator.OpGreaterThanEqual:
		return present && compareValues(value, where.Value) >= 0, nil
	case coordinator.OpLessThan:
		return present && compareValues(value, where.Value) < 0, nil
	case coordinator.OpLessThanEqual:
		return present && compareValues(value, where.Value) <= 0, nil
	case coordinator.OpContains, coordinator.OpLike:
		s, _ := value.(string)
		needle := fmt.Sprintf("%v", where.Value)
		return present && strings.Contains(strings.ToLower(s), strings.ToLower(needle)), nil
	case coordinator.OpIn:
		values, ok := where.Value.([]string)
		if !ok {
			return false, fmt.Errorf("in operator requires []string, got %T", where.Value)
		}
		for _, v := range values {
			if equalValues(value, v) {
				return true, nil
			}
		}
		return false, nil
	case coordinator.OpExists:
		want, _ := where.Value.(bool)
		exists := present && value != nil
		return exists == want, nil
	default:
		return false, fmt.Errorf("unsupported operator %q", where.Op)
	}
}

// lookupField resolves dotted paths into nested documents
func lookupField(doc map[string]interface{}, field string) (interface{}, bool) {
	parts := strings.Split(field, ".")
	var current interface{} = doc
	for _, part := range parts {
		m, ok := current.(map[string]interface{})
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func equalValues(a, b interface{}) bool {
	if ta, ok := parseTime(a); ok {
		if tb, ok := parseTime(b); ok {
			return ta.Equal(tb)
		}
	}
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			return fa == fb
		}
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func compareValues(a, b interface{}) int {
	if ta, ok := parseTime(a); ok {
		if tb, ok := parseTime(b); ok {
			switch {
			case ta.Before(tb):
				return -1
			case ta.After(tb):
				return 1
			default:
				return 0
			}
		}
	}
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			switch {
			case fa < fb:
				return -1
			case fa > fb:
				return 1
			default:
				return 0
			}
		}
	}
	return strings.Compare(fmt.Sprintf("%v", a), fmt.Sprintf("%v", b))
}

func parseTime(v interface{}) (time.Time, bool) {
	switch val := v.(type) {
	case time.Time:
		return val, true
	case string:
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339} {
			if t, err := time.Parse(layout, val); err == nil {
				return t, true
			}
		}
	}
	return time.Time{}, false
}

func toFloat(v interface{}) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	}
	return 0, false
}

func sortDocs(docs []map[string]interface{}, sortKey string) {
	desc := strings.HasPrefix(sortKey, "-")
	field := strings.TrimPrefix(sortKey, "-")
	sort.SliceStable(docs, func(i, j int) bool {
		a, _ := lookupField(docs[i], field)
		b, _ := lookupField(docs[j], field)
		cmp := compareValues(a, b)
		if desc {
			return cmp > 0
		}
		return cmp < 0
	})
}

// --- document plumbing ---

func (f *Fake) insertLocked(collection string, doc map[string]interface{}) string {
	id, _ := doc["id"].(string)
	if id == "" {
		f.seq++
		id = fmt.Sprintf("%s-%d", strings.TrimSuffix(collection, "s"), f.seq)
		doc["id"] = id
	}
	if _, ok := doc["createdAt"]; !ok {
		doc["createdAt"] = f.now.Format(time.RFC3339Nano)
	}
	doc["updatedAt"] = f.now.Format(time.RFC3339Nano)
	f.docs[collection] = append(f.docs[collection], doc)
	return id
}

func (f *Fake) findLocked(collection, id string) map[string]interface{} {
	for _, doc := range f.docs[collection] {
		if doc["id"] == id {
			return doc
		}
	}
	return nil
}

func notFound(collection, id string) error {
	return &coordinator.APIError{
		Status: http.StatusNotFound,
		Method: http.MethodGet,
		Path:   fmt.Sprintf("/api/%s/%s", collection, id),
		Body:   "not found",
	}
}

func toMap(obj interface{}) (map[string]interface{}, error) {
	if m, ok := obj.(map[string]interface{}); ok {
		return copyMap(m), nil
	}
	data, err := json.Marshal(obj)
	if err != nil {
		return nil, err
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func decodeInto(doc map[string]interface{}, out interface{}) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

func copyMap(doc map[string]interface{}) map[string]interface{} {
	data, _ := json.Marshal(doc)
	var out map[string]interface{}
	_ = json.Unmarshal(data, &out)
	return out
}

// mergeInto applies patch fields onto doc. Explicit nulls clear fields,
// matching the coordinator's partial-update semantics.
func mergeInto(doc, patch map[string]interface{}) {
	for key, value := range patch {
		if value == nil {
			doc[key] = nil
			continue
		}
		doc[key] = value
	}
}
