/*
 * Goalpost
 * Copyright (C) 2024  Goalpost, Inc.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

// Package export round-trips one user's complete data set through a
// versioned JSON archive. Export reads every per-user row; Import replays
// an archive into a (usually fresh) account inside a single transaction,
// minting new row ids while keeping references between rows intact.
package export

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/goalpost-dev/goalpost"
	"github.com/goalpost-dev/goalpost/lib/storage"
	"github.com/goalpost-dev/goalpost/lib/types"
	logutils "github.com/goalpost-dev/goalpost/lib/utils/log"
)

// SchemaVersion is the archive format this build reads and writes. Import
// rejects any other version.
const SchemaVersion = 1

// Archive is the export document. Row ids inside it are only meaningful
// relative to each other; import assigns fresh ones.
type Archive struct {
	SchemaVersion int       `json:"schemaVersion"`
	ExportedAt    time.Time `json:"exportedAt"`

	// UserID identifies the exporting user inside the archive. Friend
	// request rows use it to tell which side was the archive owner.
	UserID       string             `json:"userId"`
	Username     string             `json:"username"`
	WeekStartDay types.WeekStartDay `json:"weekStartDay,omitempty"`
	Timezone     string             `json:"timezone,omitempty"`

	Periods        []types.TimePeriod       `json:"periods,omitempty"`
	Tags           []types.Tag              `json:"tags,omitempty"`
	Tasks          []types.Task             `json:"tasks,omitempty"`
	Objectives     []types.Objective        `json:"objectives,omitempty"`
	SavedQueries   []types.SavedQuery       `json:"savedQueries,omitempty"`
	Widgets        []types.DashboardWidget  `json:"widgets,omitempty"`
	Templates      []types.MetricsTemplate  `json:"templates,omitempty"`
	MetricValues   []types.DailyMetricValue `json:"metricValues,omitempty"`
	Connections    []types.PluginConnection `json:"pluginConnections,omitempty"`
	Reflections    []types.Reflection       `json:"reflections,omitempty"`
	Principles     []types.Principle        `json:"principles,omitempty"`
	PersonalValues []types.PersonalValue    `json:"personalValues,omitempty"`
	Friendships    []types.Friendship       `json:"friendships,omitempty"`
	FriendRequests []types.FriendRequest    `json:"friendRequests,omitempty"`
}

// Summary reports what an import did.
type Summary struct {
	// Imported counts rows written.
	Imported int `json:"imported"`
	// Skipped counts rows dropped because their counterpart already
	// exists or references a user absent from this instance.
	Skipped int `json:"skipped"`
}

// Config holds export service collaborators.
type Config struct {
	// Store is the database to read from and write to.
	Store *storage.Storage
	// Clock stamps archives.
	Clock clockwork.Clock
	// Logger emits log messages.
	Logger *slog.Logger
}

// CheckAndSetDefaults does basic validation and default setting.
func (c *Config) CheckAndSetDefaults() error {
	if c.Store == nil {
		return trace.BadParameter("missing parameter Store")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = logutils.NewPackageLogger(goalpost.ComponentKey, goalpost.ComponentExport)
	}
	return nil
}

// Service exports and imports user archives.
type Service struct {
	Config
}

// New creates an export service.
func New(cfg Config) (*Service, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Service{Config: cfg}, nil
}

// Export collects every row the user owns into an archive. Plugin
// credentials are included; callers serving archives over the wire decide
// whether to redact them.
func (s *Service) Export(ctx context.Context, userID string) (*Archive, error) {
	user, err := s.Store.GetUser(ctx, userID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	archive := &Archive{
		SchemaVersion: SchemaVersion,
		ExportedAt:    s.Clock.Now().UTC(),
		UserID:        user.ID,
		Username:      user.Username,
		WeekStartDay:  user.WeekStartDay,
		Timezone:      user.Timezone,
	}

	if archive.Periods, err = s.Store.ListPeriods(ctx, userID, ""); err != nil {
		return nil, trace.Wrap(err)
	}
	if archive.Tags, err = s.Store.ListTags(ctx, userID); err != nil {
		return nil, trace.Wrap(err)
	}
	if archive.Tasks, err = s.Store.ListTasks(ctx, userID, storage.TaskFilter{}); err != nil {
		return nil, trace.Wrap(err)
	}
	if archive.Objectives, err = s.Store.ListObjectives(ctx, userID, storage.ObjectiveFilter{}); err != nil {
		return nil, trace.Wrap(err)
	}
	if archive.SavedQueries, err = s.Store.ListSavedQueries(ctx, userID, ""); err != nil {
		return nil, trace.Wrap(err)
	}
	if archive.Widgets, err = s.Store.ListWidgets(ctx, userID); err != nil {
		return nil, trace.Wrap(err)
	}
	if archive.Templates, err = s.Store.ListTemplates(ctx, userID); err != nil {
		return nil, trace.Wrap(err)
	}
	if archive.MetricValues, err = s.Store.ListMetricValues(ctx, userID); err != nil {
		return nil, trace.Wrap(err)
	}
	if archive.Connections, err = s.Store.ListPluginConnections(ctx, userID); err != nil {
		return nil, trace.Wrap(err)
	}
	if archive.Reflections, err = s.Store.ListReflections(ctx, userID); err != nil {
		return nil, trace.Wrap(err)
	}
	if archive.Principles, err = s.Store.ListPrinciples(ctx, userID); err != nil {
		return nil, trace.Wrap(err)
	}
	if archive.PersonalValues, err = s.Store.ListPersonalValues(ctx, userID); err != nil {
		return nil, trace.Wrap(err)
	}
	if archive.Friendships, err = s.Store.ListFriendships(ctx, userID); err != nil {
		return nil, trace.Wrap(err)
	}
	if archive.FriendRequests, err = s.Store.ListFriendRequests(ctx, userID); err != nil {
		return nil, trace.Wrap(err)
	}
	return archive, nil
}

// Import replays an archive into the given user's account. The document is
// decoded strictly and checked against SchemaVersion before anything is
// written; all writes share one transaction, so a failing row rolls the
// whole import back. Row ids are reassigned, with references between
// archive rows rewritten to the new ids.
func (s *Service) Import(ctx context.Context, userID string, r io.Reader) (*Summary, error) {
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	var archive Archive
	if err := dec.Decode(&archive); err != nil {
		return nil, trace.BadParameter("malformed archive: %v", err)
	}
	if dec.More() {
		return nil, trace.BadParameter("trailing data after the archive document")
	}
	if archive.SchemaVersion != SchemaVersion {
		return nil, trace.BadParameter("unsupported archive schema version %d, this build reads version %d",
			archive.SchemaVersion, SchemaVersion)
	}
	if _, err := s.Store.GetUser(ctx, userID); err != nil {
		return nil, trace.Wrap(err)
	}

	var summary Summary
	err := s.Store.WithTx(ctx, func(tx *storage.Storage) error {
		im := &importer{
			store:      tx,
			userID:     userID,
			periods:    make(map[string]string),
			tags:       make(map[string]string),
			queries:    make(map[string]string),
			objectives: make(map[string]string),
		}
		if err := im.run(ctx, &archive); err != nil {
			return trace.Wrap(err)
		}
		summary = im.summary
		return nil
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	s.Logger.InfoContext(ctx, "Imported archive.",
		"user", userID, "imported", summary.Imported, "skipped", summary.Skipped)
	return &summary, nil
}

// importer tracks old-to-new id mappings while replaying one archive.
type importer struct {
	store   *storage.Storage
	userID  string
	summary Summary

	periods    map[string]string
	tags       map[string]string
	queries    map[string]string
	objectives map[string]string
}

// run replays the archive in dependency order: rows that others reference
// come first so the id maps are complete when needed.
func (im *importer) run(ctx context.Context, archive *Archive) error {
	if err := im.importPeriods(ctx, archive.Periods); err != nil {
		return trace.Wrap(err)
	}
	if err := im.importTags(ctx, archive.Tags); err != nil {
		return trace.Wrap(err)
	}
	if err := im.importQueries(ctx, archive.SavedQueries); err != nil {
		return trace.Wrap(err)
	}
	if err := im.importObjectives(ctx, archive.Objectives); err != nil {
		return trace.Wrap(err)
	}
	if err := im.importTasks(ctx, archive.Tasks); err != nil {
		return trace.Wrap(err)
	}
	if err := im.importWidgets(ctx, archive.Widgets); err != nil {
		return trace.Wrap(err)
	}
	if err := im.importTemplates(ctx, archive.Templates); err != nil {
		return trace.Wrap(err)
	}
	if err := im.importMetricValues(ctx, archive.MetricValues); err != nil {
		return trace.Wrap(err)
	}
	if err := im.importConnections(ctx, archive.Connections); err != nil {
		return trace.Wrap(err)
	}
	if err := im.importSocial(ctx, archive); err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(im.importFriends(ctx, archive))
}

func (im *importer) importPeriods(ctx context.Context, periods []types.TimePeriod) error {
	for _, p := range periods {
		created, err := im.store.GetOrCreatePeriod(ctx, im.userID, p.Scope())
		if err != nil {
			return trace.Wrap(err)
		}
		im.periods[p.ID] = created.ID
		im.summary.Imported++
	}
	return nil
}

func (im *importer) importTags(ctx context.Context, tags []types.Tag) error {
	for _, tag := range tags {
		oldID := tag.ID
		tag.ID = ""
		tag.UserID = im.userID
		created, err := im.store.CreateTag(ctx, tag)
		if trace.IsAlreadyExists(err) {
			// Tag names are unique per user: merge onto the existing row.
			existing, err := im.findTagByName(ctx, tag.Name)
			if err != nil {
				return trace.Wrap(err)
			}
			im.tags[oldID] = existing.ID
			im.summary.Skipped++
			continue
		}
		if err != nil {
			return trace.Wrap(err)
		}
		im.tags[oldID] = created.ID
		im.summary.Imported++
	}
	return nil
}

func (im *importer) findTagByName(ctx context.Context, name string) (types.Tag, error) {
	tags, err := im.store.ListTags(ctx, im.userID)
	if err != nil {
		return types.Tag{}, trace.Wrap(err)
	}
	for _, tag := range tags {
		if tag.Name == name {
			return tag, nil
		}
	}
	return types.Tag{}, trace.NotFound("tag %q not found", name)
}

func (im *importer) importQueries(ctx context.Context, queries []types.SavedQuery) error {
	for _, q := range queries {
		oldID := q.ID
		q.ID = ""
		q.UserID = im.userID
		created, err := im.store.CreateSavedQuery(ctx, q)
		if err != nil {
			return trace.Wrap(err)
		}
		im.queries[oldID] = created.ID
		im.summary.Imported++
	}
	return nil
}

func (im *importer) importObjectives(ctx context.Context, objectives []types.Objective) error {
	// Parents first so child rows can resolve their remapped parent id.
	ordered := make([]types.Objective, 0, len(objectives))
	for _, obj := range objectives {
		if obj.ParentID == "" {
			ordered = append(ordered, obj)
		}
	}
	for _, obj := range objectives {
		if obj.ParentID != "" {
			ordered = append(ordered, obj)
		}
	}

	for _, obj := range ordered {
		oldID := obj.ID
		keyResults := obj.KeyResults
		obj.ID = ""
		obj.UserID = im.userID
		obj.KeyResults = nil
		if obj.ParentID != "" {
			parent, ok := im.objectives[obj.ParentID]
			if !ok {
				return trace.BadParameter("objective %q references an unknown parent objective", obj.Title)
			}
			obj.ParentID = parent
		}
		created, err := im.store.CreateObjective(ctx, obj)
		if err != nil {
			return trace.Wrap(err)
		}
		im.objectives[oldID] = created.ID
		im.summary.Imported++

		for _, kr := range keyResults {
			kr.ID = ""
			kr.ObjectiveID = created.ID
			if kr.ProgressQueryID != "" {
				mapped, ok := im.queries[kr.ProgressQueryID]
				if !ok {
					return trace.BadParameter("key result %q references an unknown saved query", kr.Title)
				}
				kr.ProgressQueryID = mapped
			}
			if _, err := im.store.CreateKeyResult(ctx, im.userID, kr); err != nil {
				return trace.Wrap(err)
			}
			im.summary.Imported++
		}
	}
	return nil
}

func (im *importer) importTasks(ctx context.Context, tasks []types.Task) error {
	for _, task := range tasks {
		task.ID = ""
		period, ok := im.periods[task.PeriodID]
		if !ok {
			return trace.BadParameter("task %q references an unknown period", task.Title)
		}
		task.PeriodID = period
		if len(task.TagIDs) > 0 {
			mapped := make([]string, 0, len(task.TagIDs))
			for _, tagID := range task.TagIDs {
				newID, ok := im.tags[tagID]
				if !ok {
					return trace.BadParameter("task %q references an unknown tag", task.Title)
				}
				mapped = append(mapped, newID)
			}
			task.TagIDs = mapped
		}
		if _, err := im.store.CreateTask(ctx, im.userID, task); err != nil {
			return trace.Wrap(err)
		}
		im.summary.Imported++
	}
	return nil
}

func (im *importer) importWidgets(ctx context.Context, widgets []types.DashboardWidget) error {
	for _, w := range widgets {
		w.ID = ""
		w.UserID = im.userID
		if _, err := im.store.CreateWidget(ctx, w); err != nil {
			return trace.Wrap(err)
		}
		im.summary.Imported++
	}
	return nil
}

func (im *importer) importTemplates(ctx context.Context, templates []types.MetricsTemplate) error {
	for _, tpl := range templates {
		tpl.ID = ""
		tpl.UserID = im.userID
		if _, err := im.store.CreateTemplate(ctx, tpl); err != nil {
			return trace.Wrap(err)
		}
		im.summary.Imported++
	}
	return nil
}

func (im *importer) importMetricValues(ctx context.Context, values []types.DailyMetricValue) error {
	for _, v := range values {
		v.UserID = im.userID
		if _, err := im.store.UpsertMetricValue(ctx, v); err != nil {
			return trace.Wrap(err)
		}
		im.summary.Imported++
	}
	return nil
}

func (im *importer) importConnections(ctx context.Context, conns []types.PluginConnection) error {
	for _, conn := range conns {
		conn.UserID = im.userID
		if _, err := im.store.UpsertPluginConnection(ctx, conn); err != nil {
			return trace.Wrap(err)
		}
		im.summary.Imported++
	}
	return nil
}

func (im *importer) importSocial(ctx context.Context, archive *Archive) error {
	for _, r := range archive.Reflections {
		r.ID = ""
		r.UserID = im.userID
		if _, err := im.store.CreateReflection(ctx, r); err != nil {
			return trace.Wrap(err)
		}
		im.summary.Imported++
	}
	for _, p := range archive.Principles {
		p.ID = ""
		p.UserID = im.userID
		if _, err := im.store.CreatePrinciple(ctx, p); err != nil {
			return trace.Wrap(err)
		}
		im.summary.Imported++
	}
	for _, v := range archive.PersonalValues {
		v.ID = ""
		v.UserID = im.userID
		if _, err := im.store.CreatePersonalValue(ctx, v); err != nil {
			return trace.Wrap(err)
		}
		im.summary.Imported++
	}
	return nil
}

// importFriends replays friendship rows. They reference other accounts on
// this instance, which an archive cannot carry, so rows whose counterpart
// does not exist here are skipped rather than failing the import.
func (im *importer) importFriends(ctx context.Context, archive *Archive) error {
	for _, f := range archive.Friendships {
		exists, err := im.userExists(ctx, f.FriendUserID)
		if err != nil {
			return trace.Wrap(err)
		}
		if !exists {
			im.summary.Skipped++
			continue
		}
		f.ID = ""
		f.UserID = im.userID
		_, err = im.store.CreateFriendship(ctx, f)
		if trace.IsAlreadyExists(err) {
			im.summary.Skipped++
			continue
		}
		if err != nil {
			return trace.Wrap(err)
		}
		im.summary.Imported++
	}

	for _, r := range archive.FriendRequests {
		// Rewrite whichever side was the archive owner; the other side
		// must exist on this instance.
		other := r.FromUserID
		if r.FromUserID == archive.UserID {
			r.FromUserID = im.userID
			other = r.ToUserID
		} else {
			r.ToUserID = im.userID
		}
		exists, err := im.userExists(ctx, other)
		if err != nil {
			return trace.Wrap(err)
		}
		if !exists {
			im.summary.Skipped++
			continue
		}
		r.ID = ""
		if _, err := im.store.CreateFriendRequest(ctx, r); err != nil {
			return trace.Wrap(err)
		}
		im.summary.Imported++
	}
	return nil
}

func (im *importer) userExists(ctx context.Context, id string) (bool, error) {
	_, err := im.store.GetUser(ctx, id)
	if err == nil {
		return true, nil
	}
	if trace.IsNotFound(err) {
		return false, nil
	}
	return false, trace.Wrap(err)
}
