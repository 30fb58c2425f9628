package store

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"civicsync-be/geo"
	"civicsync-be/models"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const queryTimeout = 10 * time.Second

// Mongo is the MongoDB-backed Store.
type Mongo struct {
	issues        *mongo.Collection
	votes         *mongo.Collection
	users         *mongo.Collection
	departments   *mongo.Collection
	categories    *mongo.Collection
	notifications *mongo.Collection
	counters      *mongo.Collection
}

// NewMongo binds the store to db's collections.
func NewMongo(db *mongo.Database) *Mongo {
	return &Mongo{
		issues:        db.Collection("issues"),
		votes:         db.Collection("votes"),
		users:         db.Collection("users"),
		departments:   db.Collection("departments"),
		categories:    db.Collection("categories"),
		notifications: db.Collection("notifications"),
		counters:      db.Collection("counters"),
	}
}

// EnsureIndexes creates the indexes the queries below rely on.
func (s *Mongo) EnsureIndexes(ctx context.Context) error {
	if err := models.EnsureVoteIndex(ctx, s.votes); err != nil {
		return fmt.Errorf("votes index: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	_, err := s.issues.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "latitude", Value: 1}, {Key: "longitude", Value: 1}}},
		{Keys: bson.D{{Key: "category", Value: 1}, {Key: "createdAt", Value: -1}}},
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "slaDeadline", Value: 1}}},
		{Keys: bson.D{{Key: "urgencyScore", Value: -1}, {Key: "createdAt", Value: 1}}},
		{Keys: bson.D{{Key: "createdBy", Value: 1}, {Key: "createdAt", Value: -1}}},
		{Keys: bson.D{{Key: "number", Value: 1}}, Options: options.Index().SetUnique(true)},
	})
	if err != nil {
		return fmt.Errorf("issues indexes: %w", err)
	}

	_, err = s.users.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "email", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("users index: %w", err)
	}

	_, err = s.notifications.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "status", Value: 1}, {Key: "createdAt", Value: 1}},
	})
	if err != nil {
		return fmt.Errorf("notifications index: %w", err)
	}
	return nil
}

func (s *Mongo) nextSequence(ctx context.Context, name string) (int64, error) {
	var counter struct {
		Seq int64 `bson:"seq"`
	}
	err := s.counters.FindOneAndUpdate(ctx,
		bson.M{"_id": name},
		bson.M{"$inc": bson.M{"seq": 1}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&counter)
	if err != nil {
		return 0, err
	}
	return counter.Seq, nil
}

func (s *Mongo) CreateIssue(ctx context.Context, issue *models.Issue) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	year := issue.CreatedAt.Year()
	seq, err := s.nextSequence(ctx, fmt.Sprintf("issues-%d", year))
	if err != nil {
		return fmt.Errorf("issue number: %w", err)
	}
	if issue.ID.IsZero() {
		issue.ID = primitive.NewObjectID()
	}
	issue.Number = FormatIssueNumber(year, seq)
	issue.Version = 1

	if _, err := s.issues.InsertOne(ctx, issue); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return err
	}
	return nil
}

func (s *Mongo) FindByID(ctx context.Context, id primitive.ObjectID) (*models.Issue, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var issue models.Issue
	if err := s.issues.FindOne(ctx, bson.M{"_id": id}).Decode(&issue); err != nil {
		return nil, translate(err)
	}
	return &issue, nil
}

// Save writes every field except duplicateCount, which only moves through
// AddDuplicateCount so a stale copy can never roll it back.
func (s *Mongo) Save(ctx context.Context, issue *models.Issue) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	doc, err := toDocument(issue)
	if err != nil {
		return err
	}
	delete(doc, "_id")
	delete(doc, "duplicateCount")
	doc["version"] = issue.Version + 1

	res, err := s.issues.UpdateOne(ctx,
		bson.M{"_id": issue.ID, "version": issue.Version},
		bson.M{"$set": doc},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		n, err := s.issues.CountDocuments(ctx, bson.M{"_id": issue.ID})
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrNotFound
		}
		return ErrVersionConflict
	}
	issue.Version++
	return nil
}

func toDocument(v interface{}) (bson.M, error) {
	raw, err := bson.Marshal(v)
	if err != nil {
		return nil, err
	}
	var doc bson.M
	if err := bson.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func (s *Mongo) AddDuplicateCount(ctx context.Context, id primitive.ObjectID, delta int) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	res, err := s.issues.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$inc": bson.M{"duplicateCount": delta}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// FindWithinRadius runs the bounding-box phase in the database; the exact
// haversine filter is applied by geo.Index.
func (s *Mongo) FindWithinRadius(ctx context.Context, center geo.Point, meters float64, filter models.IssueFilter) ([]models.Issue, error) {
	box := geo.BoundingBox(center, meters)
	query := issueQuery(filter)
	query["latitude"] = bson.M{"$gte": box.MinLat, "$lte": box.MaxLat}
	if box.WrapsAntimeridian() {
		query["$or"] = []bson.M{
			{"longitude": bson.M{"$gte": box.MinLng}},
			{"longitude": bson.M{"$lte": box.MaxLng}},
		}
	} else {
		query["longitude"] = bson.M{"$gte": box.MinLng, "$lte": box.MaxLng}
	}
	return s.findIssues(ctx, query, options.Find())
}

func (s *Mongo) FindByCategoryWindow(ctx context.Context, category models.IssueCategory, since time.Time) ([]models.Issue, error) {
	query := issueQuery(models.IssueFilter{Category: category, Since: since})
	return s.findIssues(ctx, query, options.Find().SetSort(bson.D{{Key: "createdAt", Value: -1}}))
}

func (s *Mongo) ListOverdue(ctx context.Context, now time.Time) ([]models.Issue, error) {
	query := bson.M{
		"archived":      false,
		"status":        bson.M{"$nin": models.FinalStatuses},
		"slaDeadline":   bson.M{"$lt": now},
		"slaBreachedAt": bson.M{"$exists": false},
	}
	return s.findIssues(ctx, query, options.Find().SetSort(bson.D{{Key: "slaDeadline", Value: 1}}))
}

func (s *Mongo) CountOpenByDepartment(ctx context.Context, dept primitive.ObjectID, now time.Time) (int, int, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	query := bson.M{
		"archived":     false,
		"departmentId": dept,
		"status":       bson.M{"$nin": models.FinalStatuses},
	}
	open, err := s.issues.CountDocuments(ctx, query)
	if err != nil {
		return 0, 0, err
	}
	query["slaDeadline"] = bson.M{"$lt": now}
	overdue, err := s.issues.CountDocuments(ctx, query)
	if err != nil {
		return 0, 0, err
	}
	return int(open), int(overdue), nil
}

func (s *Mongo) ListIssues(ctx context.Context, q models.IssueQuery) ([]models.Issue, int64, error) {
	query := bson.M{}
	status := bson.M{}
	if q.Status != "" {
		status["$eq"] = q.Status
	}
	if q.Open {
		status["$nin"] = models.FinalStatuses
	}
	if len(status) > 0 {
		query["status"] = status
	}
	if q.Category != "" {
		query["category"] = q.Category
	}
	if q.CreatedBy != nil {
		query["createdBy"] = *q.CreatedBy
	}
	if !q.IncludeArchived {
		query["archived"] = bson.M{"$ne": true}
	}
	if q.Search != "" {
		pattern := regexp.QuoteMeta(q.Search)
		query["$or"] = []bson.M{
			{"title": bson.M{"$regex": pattern, "$options": "i"}},
			{"description": bson.M{"$regex": pattern, "$options": "i"}},
		}
	}

	var order bson.D
	switch q.Sort {
	case models.SortUrgency:
		order = bson.D{{Key: "urgencyScore", Value: -1}, {Key: "createdAt", Value: 1}}
	case models.SortOldest:
		order = bson.D{{Key: "createdAt", Value: 1}}
	default:
		order = bson.D{{Key: "createdAt", Value: -1}}
	}
	opts := options.Find().SetSort(order).SetSkip(int64(q.Skip()))
	if q.Limit > 0 {
		opts.SetLimit(int64(q.Limit))
	}

	countCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	total, err := s.issues.CountDocuments(countCtx, query)
	cancel()
	if err != nil {
		return nil, 0, fmt.Errorf("count issues: %w", err)
	}
	issues, err := s.findIssues(ctx, query, opts)
	if err != nil {
		return nil, 0, err
	}
	if issues == nil {
		issues = []models.Issue{}
	}
	return issues, total, nil
}

func (s *Mongo) CountByCategory(ctx context.Context) (map[models.IssueCategory]int, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	pipeline := []bson.M{
		{"$match": bson.M{"archived": bson.M{"$ne": true}}},
		{"$group": bson.M{"_id": "$category", "count": bson.M{"$sum": 1}}},
	}
	cursor, err := s.issues.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var rows []struct {
		Category models.IssueCategory `bson:"_id"`
		Count    int                  `bson:"count"`
	}
	if err := cursor.All(ctx, &rows); err != nil {
		return nil, err
	}
	counts := make(map[models.IssueCategory]int, len(rows))
	for _, r := range rows {
		counts[r.Category] = r.Count
	}
	return counts, nil
}

func (s *Mongo) CountCreated(ctx context.Context, from, to time.Time) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	n, err := s.issues.CountDocuments(ctx, bson.M{
		"archived":  bson.M{"$ne": true},
		"createdAt": bson.M{"$gte": from, "$lt": to},
	})
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func issueQuery(filter models.IssueFilter) bson.M {
	query := bson.M{}
	if filter.Category != "" {
		query["category"] = filter.Category
	}
	if !filter.Since.IsZero() {
		query["createdAt"] = bson.M{"$gte": filter.Since}
	}
	if !filter.IncludeArchived {
		query["archived"] = bson.M{"$ne": true}
	}
	if len(filter.ExcludeIDs) > 0 {
		query["_id"] = bson.M{"$nin": filter.ExcludeIDs}
	}
	return query
}

func (s *Mongo) findIssues(ctx context.Context, query bson.M, opts *options.FindOptions) ([]models.Issue, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	cursor, err := s.issues.Find(ctx, query, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var issues []models.Issue
	if err := cursor.All(ctx, &issues); err != nil {
		return nil, err
	}
	return issues, nil
}

func (s *Mongo) FindVote(ctx context.Context, issue, user primitive.ObjectID) (*models.Vote, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var vote models.Vote
	err := s.votes.FindOne(ctx, bson.M{"issue": issue, "user": user}).Decode(&vote)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &vote, nil
}

func (s *Mongo) UpsertVote(ctx context.Context, vote models.Vote) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	_, err := s.votes.UpdateOne(ctx,
		bson.M{"issue": vote.Issue, "user": vote.User},
		bson.M{
			"$set":         bson.M{"type": vote.Type, "updatedAt": vote.UpdatedAt},
			"$setOnInsert": bson.M{"createdAt": vote.CreatedAt},
		},
		options.Update().SetUpsert(true),
	)
	return err
}

func (s *Mongo) DeleteVote(ctx context.Context, issue, user primitive.ObjectID) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	res, err := s.votes.DeleteOne(ctx, bson.M{"issue": issue, "user": user})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Mongo) TallyVotes(ctx context.Context, issue primitive.ObjectID) (models.VoteTally, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	pipeline := []bson.M{
		{"$match": bson.M{"issue": issue}},
		{"$group": bson.M{"_id": "$type", "count": bson.M{"$sum": 1}}},
	}
	cursor, err := s.votes.Aggregate(ctx, pipeline)
	if err != nil {
		return models.VoteTally{}, err
	}
	defer cursor.Close(ctx)

	var rows []struct {
		Type  models.VoteType `bson:"_id"`
		Count int             `bson:"count"`
	}
	if err := cursor.All(ctx, &rows); err != nil {
		return models.VoteTally{}, err
	}

	var tally models.VoteTally
	for _, r := range rows {
		switch r.Type {
		case models.VoteUp:
			tally.Up = r.Count
		case models.VoteDown:
			tally.Down = r.Count
		}
	}
	return tally, nil
}

func (s *Mongo) CreateUser(ctx context.Context, user *models.User) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	if user.ID.IsZero() {
		user.ID = primitive.NewObjectID()
	}
	if _, err := s.users.InsertOne(ctx, user); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return err
	}
	return nil
}

func (s *Mongo) FindUser(ctx context.Context, id primitive.ObjectID) (*models.User, error) {
	return findOne[models.User](ctx, s.users, bson.M{"_id": id})
}

func (s *Mongo) FindUserByEmail(ctx context.Context, email string) (*models.User, error) {
	return findOne[models.User](ctx, s.users, bson.M{"email": email})
}

func (s *Mongo) FindUsers(ctx context.Context, ids []primitive.ObjectID) ([]models.User, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	return findMany[models.User](ctx, s.users, bson.M{"_id": bson.M{"$in": ids}})
}

func (s *Mongo) FindDepartmentStaff(ctx context.Context, dept primitive.ObjectID) ([]models.User, error) {
	return findMany[models.User](ctx, s.users, bson.M{
		"departmentId": dept,
		"role":         bson.M{"$in": []models.Role{models.RoleStaff, models.RoleAdmin}},
	})
}

func (s *Mongo) FindDepartment(ctx context.Context, id primitive.ObjectID) (*models.Department, error) {
	return findOne[models.Department](ctx, s.departments, bson.M{"_id": id})
}

func (s *Mongo) ListDepartments(ctx context.Context) ([]models.Department, error) {
	return findMany[models.Department](ctx, s.departments, bson.M{})
}

func (s *Mongo) FindCategory(ctx context.Context, key models.IssueCategory) (*models.Category, error) {
	return findOne[models.Category](ctx, s.categories, bson.M{"_id": key})
}

func (s *Mongo) ListCategories(ctx context.Context) ([]models.Category, error) {
	return findMany[models.Category](ctx, s.categories, bson.M{})
}

func (s *Mongo) SaveNotification(ctx context.Context, n models.Notification) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	_, err := s.notifications.ReplaceOne(ctx, bson.M{"_id": n.ID}, n, options.Replace().SetUpsert(true))
	return err
}

func (s *Mongo) FindNotification(ctx context.Context, id string) (*models.Notification, error) {
	return findOne[models.Notification](ctx, s.notifications, bson.M{"_id": id})
}

func (s *Mongo) ListNotifications(ctx context.Context, statuses ...models.NotificationStatus) ([]models.Notification, error) {
	query := bson.M{}
	if len(statuses) > 0 {
		query["status"] = bson.M{"$in": statuses}
	}
	return findMany[models.Notification](ctx, s.notifications, query,
		options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}}))
}

func findOne[T any](ctx context.Context, c *mongo.Collection, query bson.M) (*T, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var out T
	if err := c.FindOne(ctx, query).Decode(&out); err != nil {
		return nil, translate(err)
	}
	return &out, nil
}

func findMany[T any](ctx context.Context, c *mongo.Collection, query bson.M, opts ...*options.FindOptions) ([]T, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	cursor, err := c.Find(ctx, query, opts...)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var out []T
	if err := cursor.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func translate(err error) error {
	if errors.Is(err, mongo.ErrNoDocuments) {
		return ErrNotFound
	}
	return err
}

var _ Store = (*Mongo)(nil)
