package catalog

import (
	"context"
	"slices"
	"strings"
	"sync"

	"catalog-editor/core"

	"github.com/sirupsen/logrus"
)

// Catalog is one owner's open catalog: the live category list, the live item
// list of the selected category and the mutations on both. Mutations update
// the views provisionally; the next store push replaces that state.
type Catalog struct {
	engine     *Engine
	owner      string
	categories *CategoryView
	items      *ItemView
	log        *logrus.Entry

	mu       sync.Mutex
	selected string
}

// Open subscribes to the owner's categories and waits for the first
// snapshot, so mutations never plan against an empty list.
func (e *Engine) Open(ctx context.Context, ownerID string, onCategories func([]core.Category), onItems func(categoryID string, items []core.Item)) (*Catalog, error) {
	cats, err := e.SubscribeCategories(ctx, ownerID, onCategories)
	if err != nil {
		return nil, err
	}
	if err := cats.wait(ctx); err != nil {
		cats.Unsubscribe()
		return nil, core.Remote("open catalog", err)
	}
	items, err := e.SubscribeItems(ctx, ownerID, "", onItems)
	if err != nil {
		cats.Unsubscribe()
		return nil, err
	}

	return &Catalog{
		engine:     e,
		owner:      ownerID,
		categories: cats,
		items:      items,
		log:        logrus.WithField("owner", ownerID),
	}, nil
}

func (c *Catalog) Owner() string {
	return c.owner
}

func (c *Catalog) Categories() []core.Category {
	return c.categories.Current()
}

func (c *Catalog) Items() []core.Item {
	return c.items.Current()
}

// Selected returns the selected category id, or "" when none is selected.
func (c *Catalog) Selected() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.selected
}

// SelectCategory switches the item list to id. An empty id clears the
// selection.
func (c *Catalog) SelectCategory(ctx context.Context, id string) error {
	if id != "" && !slices.ContainsFunc(c.categories.Current(), func(cat core.Category) bool { return cat.ID == id }) {
		return core.NewNotFoundError(core.CategoriesCollection, id)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.items.SetCategory(ctx, id); err != nil {
		return err
	}
	c.selected = id
	return nil
}

func (c *Catalog) AddCategory(ctx context.Context, name string) (core.Category, error) {
	cat, err := c.engine.AddCategory(ctx, c.owner, c.categories.Current(), name)
	if err != nil {
		return core.Category{}, err
	}
	c.categories.patch(func(cur []core.Category) ([]core.Category, bool) {
		if slices.ContainsFunc(cur, func(x core.Category) bool { return x.ID == cat.ID }) {
			return nil, false
		}
		return append(cur, cat), true
	})
	return cat, nil
}

func (c *Catalog) RenameCategory(ctx context.Context, id, name string) error {
	if err := c.engine.RenameCategory(ctx, c.owner, id, name); err != nil {
		return err
	}
	name = strings.TrimSpace(name)
	c.categories.patch(func(cur []core.Category) ([]core.Category, bool) {
		i := slices.IndexFunc(cur, func(x core.Category) bool { return x.ID == id })
		if i < 0 || cur[i].Name == name {
			return nil, false
		}
		cur[i].Name = name
		return cur, true
	})
	return nil
}

// ReorderCategory shows the new order right away and reverts to the last
// pushed order if the write fails.
func (c *Catalog) ReorderCategory(ctx context.Context, from, to int) error {
	next, err := Reorder(c.categories.Current(), from, to)
	if err != nil {
		return err
	}
	c.categories.apply(next)
	if err := c.engine.SavePositions(ctx, next); err != nil {
		c.log.WithError(err).Warn("Reorder failed, reverting")
		c.categories.revert()
		return err
	}
	return nil
}

// DeleteCategory deletes the category with its items and clears the
// selection if it pointed at it.
func (c *Catalog) DeleteCategory(ctx context.Context, id string) error {
	remaining, err := c.engine.DeleteCategory(ctx, c.owner, c.categories.Current(), id)
	if err != nil {
		return err
	}
	c.categories.patch(func(cur []core.Category) ([]core.Category, bool) {
		if !slices.ContainsFunc(cur, func(x core.Category) bool { return x.ID == id }) {
			return nil, false
		}
		return remaining, true
	})

	if c.Selected() == id {
		if err := c.SelectCategory(ctx, ""); err != nil {
			c.log.WithError(err).Warn("Failed to clear selection")
		}
	}
	return nil
}

func (c *Catalog) AddItem(ctx context.Context, in NewItem) (core.Item, error) {
	item, err := c.engine.AddItem(ctx, c.owner, c.categories.Current(), in)
	if err != nil {
		return core.Item{}, err
	}
	if c.items.CategoryID() == item.CategoryID {
		c.items.patch(func(cur []core.Item) ([]core.Item, bool) {
			if slices.ContainsFunc(cur, func(x core.Item) bool { return x.ID == item.ID }) {
				return nil, false
			}
			cur = append(cur, item)
			slices.SortStableFunc(cur, func(a, b core.Item) int { return strings.Compare(a.Name, b.Name) })
			return cur, true
		})
	}
	return item, nil
}

func (c *Catalog) RenameItem(ctx context.Context, id, name string) error {
	return c.engine.RenameItem(ctx, c.owner, id, name)
}

func (c *Catalog) UpdateItem(ctx context.Context, id, name, price string) (core.Item, error) {
	return c.engine.UpdateItem(ctx, c.owner, id, name, price)
}

// DeleteItem deletes an item of the open catalog.
func (c *Catalog) DeleteItem(ctx context.Context, id string) error {
	current := c.items.Current()
	i := slices.IndexFunc(current, func(x core.Item) bool { return x.ID == id })
	var item core.Item
	if i >= 0 {
		item = current[i]
	} else {
		var err error
		if item, err = c.engine.Item(ctx, c.owner, id); err != nil {
			return err
		}
	}

	if err := c.engine.DeleteItem(ctx, item); err != nil {
		return err
	}
	c.items.patch(func(cur []core.Item) ([]core.Item, bool) {
		j := slices.IndexFunc(cur, func(x core.Item) bool { return x.ID == id })
		if j < 0 {
			return nil, false
		}
		return slices.Delete(cur, j, j+1), true
	})
	return nil
}

// Close stops both views. It is safe to call more than once.
func (c *Catalog) Close() {
	c.items.Unsubscribe()
	c.categories.Unsubscribe()
}
