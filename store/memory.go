package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"civicsync-be/geo"
	"civicsync-be/models"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Memory is an in-process Store. Every read returns a copy, so callers see
// the same stale-copy behaviour they would against MongoDB.
type Memory struct {
	mu            sync.RWMutex
	issues        map[primitive.ObjectID]*models.Issue
	votes         map[voteKey]models.Vote
	users         map[primitive.ObjectID]models.User
	departments   map[primitive.ObjectID]models.Department
	categories    map[models.IssueCategory]models.Category
	notifications map[string]models.Notification
	seq           map[int]int64
}

type voteKey struct {
	issue, user primitive.ObjectID
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		issues:        make(map[primitive.ObjectID]*models.Issue),
		votes:         make(map[voteKey]models.Vote),
		users:         make(map[primitive.ObjectID]models.User),
		departments:   make(map[primitive.ObjectID]models.Department),
		categories:    make(map[models.IssueCategory]models.Category),
		notifications: make(map[string]models.Notification),
		seq:           make(map[int]int64),
	}
}

// PutDepartment inserts or replaces a department, assigning an ID if missing.
func (m *Memory) PutDepartment(d models.Department) models.Department {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d.ID.IsZero() {
		d.ID = primitive.NewObjectID()
	}
	m.departments[d.ID] = d
	return d
}

// PutCategory inserts or replaces a category.
func (m *Memory) PutCategory(c models.Category) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.categories[c.Key] = c
}

// PutUser inserts or replaces a user, assigning an ID if missing.
func (m *Memory) PutUser(u models.User) models.User {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u.ID.IsZero() {
		u.ID = primitive.NewObjectID()
	}
	m.users[u.ID] = u
	return u
}

// PutIssue stores a copy of issue as-is, bypassing numbering and versioning.
func (m *Memory) PutIssue(issue *models.Issue) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if issue.ID.IsZero() {
		issue.ID = primitive.NewObjectID()
	}
	m.issues[issue.ID] = issue.Clone()
}

func (m *Memory) CreateIssue(ctx context.Context, issue *models.Issue) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if issue.ID.IsZero() {
		issue.ID = primitive.NewObjectID()
	}
	if _, exists := m.issues[issue.ID]; exists {
		return ErrDuplicateKey
	}
	year := issue.CreatedAt.Year()
	m.seq[year]++
	issue.Number = FormatIssueNumber(year, m.seq[year])
	issue.Version = 1
	m.issues[issue.ID] = issue.Clone()
	return nil
}

func (m *Memory) FindByID(ctx context.Context, id primitive.ObjectID) (*models.Issue, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	issue, ok := m.issues[id]
	if !ok {
		return nil, ErrNotFound
	}
	return issue.Clone(), nil
}

func (m *Memory) Save(ctx context.Context, issue *models.Issue) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.issues[issue.ID]
	if !ok {
		return ErrNotFound
	}
	if current.Version != issue.Version {
		return ErrVersionConflict
	}
	issue.Version++
	// duplicateCount is only ever changed through AddDuplicateCount
	stored := issue.Clone()
	stored.DuplicateCount = current.DuplicateCount
	m.issues[issue.ID] = stored
	return nil
}

func (m *Memory) AddDuplicateCount(ctx context.Context, id primitive.ObjectID, delta int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	issue, ok := m.issues[id]
	if !ok {
		return ErrNotFound
	}
	issue.DuplicateCount += delta
	return nil
}

func (m *Memory) FindWithinRadius(ctx context.Context, center geo.Point, meters float64, filter models.IssueFilter) ([]models.Issue, error) {
	box := geo.BoundingBox(center, meters)
	return m.collect(func(i *models.Issue) bool {
		return filter.Matches(i) && box.Contains(geo.Point{Lat: i.Latitude, Lng: i.Longitude})
	}), nil
}

func (m *Memory) FindByCategoryWindow(ctx context.Context, category models.IssueCategory, since time.Time) ([]models.Issue, error) {
	filter := models.IssueFilter{Category: category, Since: since}
	return m.collect(filter.Matches), nil
}

func (m *Memory) ListOverdue(ctx context.Context, now time.Time) ([]models.Issue, error) {
	return m.collect(func(i *models.Issue) bool {
		return !i.Archived && !i.Status.IsFinal() && i.SLABreachedAt == nil &&
			i.SLADeadline != nil && now.After(*i.SLADeadline)
	}), nil
}

func (m *Memory) CountOpenByDepartment(ctx context.Context, dept primitive.ObjectID, now time.Time) (int, int, error) {
	var open, overdue int
	for _, i := range m.collect(func(i *models.Issue) bool {
		return !i.Archived && !i.Status.IsFinal() && i.DepartmentID != nil && *i.DepartmentID == dept
	}) {
		open++
		if i.SLADeadline != nil && now.After(*i.SLADeadline) {
			overdue++
		}
	}
	return open, overdue, nil
}

func (m *Memory) ListIssues(ctx context.Context, q models.IssueQuery) ([]models.Issue, int64, error) {
	matches := m.collect(q.Matches)
	sort.SliceStable(matches, func(a, b int) bool { return q.Before(&matches[a], &matches[b]) })
	total := int64(len(matches))
	start := q.Skip()
	if start >= len(matches) {
		return []models.Issue{}, total, nil
	}
	end := len(matches)
	if q.Limit > 0 && start+q.Limit < end {
		end = start + q.Limit
	}
	return matches[start:end], total, nil
}

func (m *Memory) CountByCategory(ctx context.Context) (map[models.IssueCategory]int, error) {
	counts := make(map[models.IssueCategory]int)
	for _, i := range m.collect(func(i *models.Issue) bool { return !i.Archived }) {
		counts[i.Category]++
	}
	return counts, nil
}

func (m *Memory) CountCreated(ctx context.Context, from, to time.Time) (int, error) {
	return len(m.collect(func(i *models.Issue) bool {
		return !i.Archived && !i.CreatedAt.Before(from) && i.CreatedAt.Before(to)
	})), nil
}

func (m *Memory) collect(keep func(*models.Issue) bool) []models.Issue {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Issue
	for _, issue := range m.issues {
		if keep(issue) {
			out = append(out, *issue.Clone())
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.Before(out[b].CreatedAt) })
	return out
}

func (m *Memory) FindVote(ctx context.Context, issue, user primitive.ObjectID) (*models.Vote, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.votes[voteKey{issue, user}]
	if !ok {
		return nil, ErrNotFound
	}
	return &v, nil
}

func (m *Memory) UpsertVote(ctx context.Context, vote models.Vote) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := voteKey{vote.Issue, vote.User}
	if existing, ok := m.votes[key]; ok {
		vote.ID = existing.ID
		vote.CreatedAt = existing.CreatedAt
	} else if vote.ID.IsZero() {
		vote.ID = primitive.NewObjectID()
	}
	m.votes[key] = vote
	return nil
}

func (m *Memory) DeleteVote(ctx context.Context, issue, user primitive.ObjectID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := voteKey{issue, user}
	if _, ok := m.votes[key]; !ok {
		return ErrNotFound
	}
	delete(m.votes, key)
	return nil
}

func (m *Memory) TallyVotes(ctx context.Context, issue primitive.ObjectID) (models.VoteTally, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var tally models.VoteTally
	for key, v := range m.votes {
		if key.issue != issue {
			continue
		}
		switch v.Type {
		case models.VoteUp:
			tally.Up++
		case models.VoteDown:
			tally.Down++
		}
	}
	return tally, nil
}

func (m *Memory) CreateUser(ctx context.Context, user *models.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if strings.EqualFold(u.Email, user.Email) {
			return ErrDuplicateKey
		}
	}
	if user.ID.IsZero() {
		user.ID = primitive.NewObjectID()
	}
	m.users[user.ID] = *user
	return nil
}

func (m *Memory) FindUser(ctx context.Context, id primitive.ObjectID) (*models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &u, nil
}

func (m *Memory) FindUserByEmail(ctx context.Context, email string) (*models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, u := range m.users {
		if strings.EqualFold(u.Email, email) {
			return &u, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) FindUsers(ctx context.Context, ids []primitive.ObjectID) ([]models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.User
	seen := make(map[primitive.ObjectID]bool)
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		if u, ok := m.users[id]; ok {
			out = append(out, u)
		}
	}
	return out, nil
}

func (m *Memory) FindDepartmentStaff(ctx context.Context, dept primitive.ObjectID) ([]models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.User
	for _, u := range m.users {
		if u.BelongsTo(dept) && u.IsStaff() {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID.Hex() < out[b].ID.Hex() })
	return out, nil
}

func (m *Memory) FindDepartment(ctx context.Context, id primitive.ObjectID) (*models.Department, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.departments[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &d, nil
}

func (m *Memory) ListDepartments(ctx context.Context) ([]models.Department, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Department, 0, len(m.departments))
	for _, d := range m.departments {
		out = append(out, d)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Name < out[b].Name })
	return out, nil
}

func (m *Memory) FindCategory(ctx context.Context, key models.IssueCategory) (*models.Category, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.categories[key]
	if !ok {
		return nil, ErrNotFound
	}
	return &c, nil
}

func (m *Memory) ListCategories(ctx context.Context) ([]models.Category, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Category, 0, len(m.categories))
	for _, c := range m.categories {
		out = append(out, c)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Key < out[b].Key })
	return out, nil
}

func (m *Memory) SaveNotification(ctx context.Context, n models.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifications[n.ID] = n
	return nil
}

func (m *Memory) FindNotification(ctx context.Context, id string) (*models.Notification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.notifications[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &n, nil
}

func (m *Memory) ListNotifications(ctx context.Context, statuses ...models.NotificationStatus) ([]models.Notification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Notification
	for _, n := range m.notifications {
		if len(statuses) > 0 && !containsStatus(statuses, n.Status) {
			continue
		}
		out = append(out, n)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.Before(out[b].CreatedAt) })
	return out, nil
}

func containsStatus(list []models.NotificationStatus, s models.NotificationStatus) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

var _ Store = (*Memory)(nil)
