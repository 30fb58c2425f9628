package store

import (
	"context"
	"testing"
	"time"

	"civicsync-be/geo"
	"civicsync-be/models"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

var created = time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

func newIssue(lat, lng float64) *models.Issue {
	return &models.Issue{
		Title:     "Pothole",
		Category:  models.Road,
		Priority:  models.PriorityMedium,
		Status:    models.StatusSubmitted,
		Latitude:  lat,
		Longitude: lng,
		CreatedAt: created,
	}
}

func TestMemory_CreateIssueNumbersPerYear(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	a, b := newIssue(1, 1), newIssue(1, 1)
	require.NoError(t, m.CreateIssue(ctx, a))
	require.NoError(t, m.CreateIssue(ctx, b))
	require.Equal(t, "CS-2025-000001", a.Number)
	require.Equal(t, "CS-2025-000002", b.Number)
	require.EqualValues(t, 1, a.Version)

	next := newIssue(1, 1)
	next.CreatedAt = created.AddDate(1, 0, 0)
	require.NoError(t, m.CreateIssue(ctx, next))
	require.Equal(t, "CS-2026-000001", next.Number)

	require.ErrorIs(t, m.CreateIssue(ctx, a), ErrDuplicateKey)
}

func TestMemory_SaveDetectsStaleCopies(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	issue := newIssue(1, 1)
	require.NoError(t, m.CreateIssue(ctx, issue))

	first, err := m.FindByID(ctx, issue.ID)
	require.NoError(t, err)
	second, err := m.FindByID(ctx, issue.ID)
	require.NoError(t, err)

	first.Title = "Pothole on 5th"
	require.NoError(t, m.Save(ctx, first))
	require.EqualValues(t, 2, first.Version)

	second.Title = "Something else"
	require.ErrorIs(t, m.Save(ctx, second), ErrVersionConflict)

	stored, err := m.FindByID(ctx, issue.ID)
	require.NoError(t, err)
	require.Equal(t, "Pothole on 5th", stored.Title)

	missing := newIssue(0, 0)
	missing.ID = primitive.NewObjectID()
	require.ErrorIs(t, m.Save(ctx, missing), ErrNotFound)
}

func TestMemory_ReadsAreCopies(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	issue := newIssue(1, 1)
	require.NoError(t, m.CreateIssue(ctx, issue))

	got, err := m.FindByID(ctx, issue.ID)
	require.NoError(t, err)
	got.StatusHistory = append(got.StatusHistory, models.StatusChange{Status: models.StatusClosed})
	got.Followers = append(got.Followers, primitive.NewObjectID())

	again, err := m.FindByID(ctx, issue.ID)
	require.NoError(t, err)
	require.Empty(t, again.StatusHistory)
	require.Empty(t, again.Followers)
}

func TestMemory_SaveKeepsDuplicateCount(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	issue := newIssue(1, 1)
	require.NoError(t, m.CreateIssue(ctx, issue))

	stale, err := m.FindByID(ctx, issue.ID)
	require.NoError(t, err)
	require.NoError(t, m.AddDuplicateCount(ctx, issue.ID, 1))
	require.NoError(t, m.AddDuplicateCount(ctx, issue.ID, 1))

	stale.Title = "renamed"
	stale.DuplicateCount = 0
	require.NoError(t, m.Save(ctx, stale))

	stored, err := m.FindByID(ctx, issue.ID)
	require.NoError(t, err)
	require.Equal(t, 2, stored.DuplicateCount)
	require.ErrorIs(t, m.AddDuplicateCount(ctx, primitive.NewObjectID(), 1), ErrNotFound)
}

func TestMemory_FindWithinRadiusUsesBoundingBox(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	inside := newIssue(12.9716, 77.5946)
	corner := newIssue(12.97249, 77.59552) // inside the box, outside the circle
	far := newIssue(13.0716, 77.5946)
	otherCategory := newIssue(12.9716, 77.5946)
	otherCategory.Category = models.Water
	for _, i := range []*models.Issue{inside, corner, far, otherCategory} {
		require.NoError(t, m.CreateIssue(ctx, i))
	}

	got, err := m.FindWithinRadius(ctx, geo.Point{Lat: 12.9716, Lng: 77.5946}, 100, models.IssueFilter{Category: models.Road})
	require.NoError(t, err)
	ids := make([]primitive.ObjectID, 0, len(got))
	for _, i := range got {
		ids = append(ids, i.ID)
	}
	require.ElementsMatch(t, []primitive.ObjectID{inside.ID, corner.ID}, ids)
}

func TestMemory_OverdueAndDepartmentCounts(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	dept := primitive.NewObjectID()
	now := created.Add(48 * time.Hour)
	past := created.Add(24 * time.Hour)
	future := created.Add(72 * time.Hour)

	overdue := newIssue(1, 1)
	overdue.DepartmentID = &dept
	overdue.SLADeadline = &past

	onTime := newIssue(1, 1)
	onTime.DepartmentID = &dept
	onTime.SLADeadline = &future

	flagged := newIssue(1, 1)
	flagged.DepartmentID = &dept
	flagged.SLADeadline = &past
	flagged.SLABreachedAt = &now

	resolved := newIssue(1, 1)
	resolved.DepartmentID = &dept
	resolved.Status = models.StatusResolved
	resolved.SLADeadline = &past

	for _, i := range []*models.Issue{overdue, onTime, flagged, resolved} {
		require.NoError(t, m.CreateIssue(ctx, i))
	}

	list, err := m.ListOverdue(ctx, now)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, overdue.ID, list[0].ID)

	open, late, err := m.CountOpenByDepartment(ctx, dept, now)
	require.NoError(t, err)
	require.Equal(t, 3, open)
	require.Equal(t, 2, late)
}

func TestMemory_OneVotePerUser(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	issue, alice, bob := primitive.NewObjectID(), primitive.NewObjectID(), primitive.NewObjectID()

	require.NoError(t, m.UpsertVote(ctx, models.Vote{Issue: issue, User: alice, Type: models.VoteUp}))
	require.NoError(t, m.UpsertVote(ctx, models.Vote{Issue: issue, User: alice, Type: models.VoteDown}))
	require.NoError(t, m.UpsertVote(ctx, models.Vote{Issue: issue, User: bob, Type: models.VoteUp}))

	tally, err := m.TallyVotes(ctx, issue)
	require.NoError(t, err)
	require.Equal(t, models.VoteTally{Up: 1, Down: 1}, tally)

	vote, err := m.FindVote(ctx, issue, alice)
	require.NoError(t, err)
	require.Equal(t, models.VoteDown, vote.Type)

	require.NoError(t, m.DeleteVote(ctx, issue, alice))
	_, err = m.FindVote(ctx, issue, alice)
	require.ErrorIs(t, err, ErrNotFound)
	require.ErrorIs(t, m.DeleteVote(ctx, issue, alice), ErrNotFound)
	tally, err = m.TallyVotes(ctx, issue)
	require.NoError(t, err)
	require.Equal(t, models.VoteTally{Up: 1}, tally)
}

func TestMemory_UsersAndStaff(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	dept := m.PutDepartment(models.Department{Name: "Roads", Active: true})

	citizen := &models.User{Name: "A", Email: "a@example.com", Role: models.RoleCitizen, DepartmentID: &dept.ID}
	require.NoError(t, m.CreateUser(ctx, citizen))
	require.ErrorIs(t, m.CreateUser(ctx, &models.User{Email: "A@EXAMPLE.com"}), ErrDuplicateKey)
	staff := m.PutUser(models.User{Name: "S", Email: "s@example.com", Role: models.RoleStaff, DepartmentID: &dept.ID})

	found, err := m.FindUserByEmail(ctx, "A@example.com")
	require.NoError(t, err)
	require.Equal(t, citizen.ID, found.ID)

	members, err := m.FindDepartmentStaff(ctx, dept.ID)
	require.NoError(t, err)
	require.Len(t, members, 1)
	require.Equal(t, staff.ID, members[0].ID)

	users, err := m.FindUsers(ctx, []primitive.ObjectID{staff.ID, staff.ID, primitive.NewObjectID()})
	require.NoError(t, err)
	require.Len(t, users, 1)
}

func TestMemory_ListNotificationsByStatus(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.SaveNotification(ctx, models.Notification{ID: "a", Status: models.NotificationQueued, CreatedAt: created}))
	require.NoError(t, m.SaveNotification(ctx, models.Notification{ID: "b", Status: models.NotificationSent, CreatedAt: created}))
	require.NoError(t, m.SaveNotification(ctx, models.Notification{ID: "c", Status: models.NotificationRetry, CreatedAt: created.Add(time.Minute)}))

	pending, err := m.ListNotifications(ctx, models.NotificationQueued, models.NotificationRetry)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	require.Equal(t, "a", pending[0].ID)
	require.Equal(t, "c", pending[1].ID)

	all, err := m.ListNotifications(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)

	_, err = m.FindNotification(ctx, "zzz")
	require.ErrorIs(t, err, ErrNotFound)
}

type countingDirectory struct {
	Directory
	departments, categories int
}

func (c *countingDirectory) FindDepartment(ctx context.Context, id primitive.ObjectID) (*models.Department, error) {
	c.departments++
	return c.Directory.FindDepartment(ctx, id)
}

func (c *countingDirectory) FindCategory(ctx context.Context, key models.IssueCategory) (*models.Category, error) {
	c.categories++
	return c.Directory.FindCategory(ctx, key)
}

func TestCachedDirectory(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	dept := m.PutDepartment(models.Department{Name: "Roads", Active: true})
	m.PutCategory(models.Category{Key: models.Road, Name: "Road", SLAHours: 48, Active: true})

	counting := &countingDirectory{Directory: m}
	cached := NewCachedDirectory(counting, time.Minute)

	for i := 0; i < 3; i++ {
		d, err := cached.FindDepartment(ctx, dept.ID)
		require.NoError(t, err)
		require.Equal(t, "Roads", d.Name)
		c, err := cached.FindCategory(ctx, models.Road)
		require.NoError(t, err)
		require.Equal(t, 48, c.SLAHours)
	}
	require.Equal(t, 1, counting.departments)
	require.Equal(t, 1, counting.categories)

	_, err := cached.FindCategory(ctx, models.Water)
	require.ErrorIs(t, err, ErrNotFound)
	_, err = cached.FindCategory(ctx, models.Water)
	require.ErrorIs(t, err, ErrNotFound)
	require.Equal(t, 3, counting.categories)

	cached.Invalidate()
	_, err = cached.FindDepartment(ctx, dept.ID)
	require.NoError(t, err)
	require.Equal(t, 2, counting.departments)
}

func TestCachedDirectory_RefreshDepartment(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	dept := m.PutDepartment(models.Department{Name: "Roads", Active: true})
	cached := NewCachedDirectory(m, time.Hour)

	d, err := cached.FindDepartment(ctx, dept.ID)
	require.NoError(t, err)
	require.True(t, d.Active)

	dept.Active = false
	m.PutDepartment(dept)

	d, err = cached.FindDepartment(ctx, dept.ID)
	require.NoError(t, err)
	require.True(t, d.Active, "cached copy until refreshed")

	d, err = cached.RefreshDepartment(ctx, dept.ID)
	require.NoError(t, err)
	require.False(t, d.Active)

	d, err = cached.FindDepartment(ctx, dept.ID)
	require.NoError(t, err)
	require.False(t, d.Active)

	_, err = cached.RefreshDepartment(ctx, primitive.NewObjectID())
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemory_ListIssuesAndCounts(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	reporter := primitive.NewObjectID()

	low := newIssue(1, 1)
	low.UrgencyScore = 20
	low.CreatedBy = reporter
	high := newIssue(1, 1)
	high.UrgencyScore = 60
	high.CreatedAt = created.Add(time.Hour)
	tie := newIssue(1, 1)
	tie.UrgencyScore = 60
	tie.CreatedAt = created.Add(2 * time.Hour)
	tie.Description = "Deep CRATER by the school"
	closed := newIssue(1, 1)
	closed.Status = models.StatusClosed
	closed.Category = models.Water
	closed.CreatedAt = created.AddDate(0, 0, 1)
	hidden := newIssue(1, 1)
	hidden.Archived = true
	hidden.CreatedAt = created.Add(30 * time.Minute)
	for _, i := range []*models.Issue{low, high, tie, closed, hidden} {
		require.NoError(t, m.CreateIssue(ctx, i))
	}

	ids := func(issues []models.Issue) []primitive.ObjectID {
		out := make([]primitive.ObjectID, 0, len(issues))
		for _, i := range issues {
			out = append(out, i.ID)
		}
		return out
	}

	tests := []struct {
		name  string
		q     models.IssueQuery
		want  []primitive.ObjectID
		total int64
	}{
		{"urgency then age", models.IssueQuery{Sort: models.SortUrgency}, []primitive.ObjectID{high.ID, tie.ID, low.ID, closed.ID}, 4},
		{"newest", models.IssueQuery{Sort: models.SortNewest, Limit: 2}, []primitive.ObjectID{closed.ID, tie.ID}, 4},
		{"second page", models.IssueQuery{Sort: models.SortOldest, Page: 2, Limit: 3}, []primitive.ObjectID{closed.ID}, 4},
		{"open only", models.IssueQuery{Open: true, Sort: models.SortOldest}, []primitive.ObjectID{low.ID, high.ID, tie.ID}, 3},
		{"reporter", models.IssueQuery{CreatedBy: &reporter}, []primitive.ObjectID{low.ID}, 1},
		{"search is case insensitive", models.IssueQuery{Search: "crater"}, []primitive.ObjectID{tie.ID}, 1},
		{"archived included", models.IssueQuery{IncludeArchived: true, Sort: models.SortOldest, Limit: 2}, []primitive.ObjectID{low.ID, hidden.ID}, 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, total, err := m.ListIssues(ctx, tt.q)
			require.NoError(t, err)
			require.Equal(t, tt.total, total)
			require.Equal(t, tt.want, ids(got))
		})
	}

	counts, err := m.CountByCategory(ctx)
	require.NoError(t, err)
	require.Equal(t, map[models.IssueCategory]int{models.Road: 3, models.Water: 1}, counts)

	n, err := m.CountCreated(ctx, created, created.AddDate(0, 0, 1))
	require.NoError(t, err)
	require.Equal(t, 3, n)
}
