package store

import (
	"context"
	"time"

	"civicsync-be/models"

	"github.com/patrickmn/go-cache"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

const categoriesKey = "categories"

// CachedDirectory memoizes department and category lookups, which are read
// on every assignment, SLA computation and digest but rarely change.
// User lookups pass straight through.
type CachedDirectory struct {
	Directory
	cache *cache.Cache
}

// NewCachedDirectory wraps dir with a TTL cache.
func NewCachedDirectory(dir Directory, ttl time.Duration) *CachedDirectory {
	return &CachedDirectory{
		Directory: dir,
		cache:     cache.New(ttl, 2*ttl),
	}
}

func (d *CachedDirectory) FindDepartment(ctx context.Context, id primitive.ObjectID) (*models.Department, error) {
	key := "dept:" + id.Hex()
	if v, ok := d.cache.Get(key); ok {
		dept := v.(models.Department)
		return &dept, nil
	}
	dept, err := d.Directory.FindDepartment(ctx, id)
	if err != nil {
		return nil, err
	}
	d.cache.SetDefault(key, *dept)
	return dept, nil
}

// RefreshDepartment reads a department from the backing directory and
// replaces the cached copy. Use it where a stale Active flag would let a
// write through.
func (d *CachedDirectory) RefreshDepartment(ctx context.Context, id primitive.ObjectID) (*models.Department, error) {
	key := "dept:" + id.Hex()
	dept, err := d.Directory.FindDepartment(ctx, id)
	if err != nil {
		d.cache.Delete(key)
		return nil, err
	}
	d.cache.SetDefault(key, *dept)
	return dept, nil
}

func (d *CachedDirectory) FindCategory(ctx context.Context, key models.IssueCategory) (*models.Category, error) {
	ck := "cat:" + string(key)
	if v, ok := d.cache.Get(ck); ok {
		cat := v.(models.Category)
		return &cat, nil
	}
	cat, err := d.Directory.FindCategory(ctx, key)
	if err != nil {
		return nil, err
	}
	d.cache.SetDefault(ck, *cat)
	return cat, nil
}

func (d *CachedDirectory) ListCategories(ctx context.Context) ([]models.Category, error) {
	if v, ok := d.cache.Get(categoriesKey); ok {
		return append([]models.Category(nil), v.([]models.Category)...), nil
	}
	cats, err := d.Directory.ListCategories(ctx)
	if err != nil {
		return nil, err
	}
	d.cache.SetDefault(categoriesKey, append([]models.Category(nil), cats...))
	return cats, nil
}

// Invalidate drops every cached entry.
func (d *CachedDirectory) Invalidate() {
	d.cache.Flush()
}
