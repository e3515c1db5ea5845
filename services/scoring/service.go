package scoring

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"eventops-engine/pkg/config"
	"eventops-engine/services/stream"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const drainBatchSize = 100

// errCursorRace aborts a drain transaction when another drain advanced the
// actor's cursor first; the whole event application rolls back with it.
var errCursorRace = errors.New("consumer cursor advanced concurrently")

type Service struct {
	db     *gorm.DB
	node   *snowflake.Node
	stream *stream.Service
	rules  Rules
}

type ServiceParams struct {
	fx.In
	DB     *gorm.DB
	Node   *snowflake.Node
	Config *config.Config
	Stream *stream.Service
}

func NewService(p ServiceParams) *Service {
	loc, err := time.LoadLocation(p.Config.Engine.Timezone)
	if err != nil {
		loc = time.UTC
	}

	return &Service{
		db:     p.DB,
		node:   p.Node,
		stream: p.Stream,
		rules:  DefaultRules(loc),
	}
}

func (s *Service) Rules() Rules {
	return s.rules
}

// Drain applies the actor's stream events strictly in arrival order (id
// order), one transaction per event. Paging by id alone means a sale or
// check-in delivered late with an older occurred_at is still applied on
// the next drain. Drain is idempotent: duplicate source events are
// skipped, and a concurrent drain for the same actor loses the cursor
// compare-and-swap and stops cleanly.
func (s *Service) Drain(ctx context.Context, actorID string) error {
	for {
		cursor, err := s.ensureCursor(ctx, actorID)
		if err != nil {
			return err
		}

		events, err := s.stream.Replay(ctx, actorID, cursor.LastEventID, drainBatchSize)
		if err != nil {
			return err
		}
		if len(events) == 0 {
			return nil
		}

		for _, ev := range events {
			if err := s.applyEvent(ctx, cursor, ev); err != nil {
				if errors.Is(err, errCursorRace) {
					return nil
				}
				return err
			}
			cursor.LastEventID = ev.ID
		}
	}
}

func (s *Service) ensureCursor(ctx context.Context, actorID string) (*ConsumerCursor, error) {
	cursor := &ConsumerCursor{ActorID: actorID}
	err := s.db.WithContext(ctx).
		Where(&ConsumerCursor{ActorID: actorID}).
		FirstOrCreate(cursor).Error
	if err != nil {
		return nil, err
	}
	return cursor, nil
}

func (s *Service) applyEvent(ctx context.Context, cursor *ConsumerCursor, ev stream.StreamEvent) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if kind := scoringKind(ev.Type); kind != "" {
			var count int64
			if err := tx.Model(&ScoreEvent{}).
				Where("source_event_id = ?", ev.SourceID).
				Count(&count).Error; err != nil {
				return err
			}

			if count > 0 {
				zap.L().Debug("duplicate source event ignored",
					zap.String("source_id", ev.SourceID),
					zap.String("actor_id", ev.ActorID),
				)
			} else if err := s.score(tx, kind, ev); err != nil {
				return err
			}
		}

		res := tx.Model(&ConsumerCursor{}).
			Where("actor_id = ? AND last_event_id = ?", cursor.ActorID, cursor.LastEventID).
			Updates(map[string]any{
				"last_event_id": ev.ID,
				"updated_at":    time.Now(),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return errCursorRace
		}

		return nil
	})
}

func scoringKind(eventType string) string {
	switch eventType {
	case stream.TypeCheckInConfirmed:
		return KindCheckin
	case stream.TypeSaleConfirmed:
		return KindSale
	default:
		return ""
	}
}

func (s *Service) score(tx *gorm.DB, kind string, ev stream.StreamEvent) error {
	var delta int64
	switch kind {
	case KindCheckin:
		delta = s.rules.CheckinPoints
	case KindSale:
		var sale stream.SaleConfirmed
		if err := json.Unmarshal(ev.Payload, &sale); err != nil {
			return fmt.Errorf("invalid sale payload for %s: %w", ev.SourceID, err)
		}
		delta = sale.Amount * s.rules.SalePointsPerUnit
	}

	month := s.rules.Month(ev.OccurredAt)

	score, err := s.ensureScore(tx, ev.ActorID, ev.CompanyID, month)
	if err != nil {
		return err
	}

	if err := tx.Create(&ScoreEvent{
		ID:            s.node.Generate().Int64(),
		ActorID:       ev.ActorID,
		CompanyID:     ev.CompanyID,
		Month:         month,
		Kind:          kind,
		PointDelta:    delta,
		OccurredAt:    ev.OccurredAt,
		SourceEventID: ev.SourceID,
	}).Error; err != nil {
		return err
	}

	score.TotalPoints += delta
	if ev.OccurredAt.After(score.LastActivityAt) {
		score.LastActivityAt = ev.OccurredAt
	}

	if kind == KindCheckin {
		if err := s.applyStreak(tx, score, ev); err != nil {
			return err
		}
	}

	score.Badges = mergeBadges(score.Badges, s.rules.BadgesFor(score.TotalPoints, score.Streak))

	return tx.Save(score).Error
}

func (s *Service) applyStreak(tx *gorm.DB, score *ActorScore, ev stream.StreamEvent) error {
	day := s.rules.Day(ev.OccurredAt)
	awarded := decodeIntSet(score.AwardedThresholds)

	var streak int
	if score.StreakDay == "" {
		streak = 1
		awarded = map[int]bool{}
	} else {
		var reset bool
		streak, reset = s.rules.NextStreak(score.StreakDay, score.Streak, day)
		if reset {
			awarded = map[int]bool{}
		}
	}

	score.Streak = streak
	score.StreakDay = day

	if bonus := s.rules.StreakBonus(streak, awarded); bonus > 0 {
		if err := tx.Create(&ScoreEvent{
			ID:            s.node.Generate().Int64(),
			ActorID:       score.ActorID,
			CompanyID:     score.CompanyID,
			Month:         score.Month,
			Kind:          KindStreakBonus,
			PointDelta:    bonus,
			OccurredAt:    ev.OccurredAt,
			SourceEventID: fmt.Sprintf("%s:streak:%d", ev.SourceID, streak),
		}).Error; err != nil {
			return err
		}

		score.TotalPoints += bonus
		awarded[streak] = true
	}

	score.AwardedThresholds = encodeIntSet(awarded)
	return nil
}

// ensureScore loads or creates the (actor, company, month) score row. A
// freshly created row seeds its streak state from the previous month so a
// streak survives the month boundary.
func (s *Service) ensureScore(tx *gorm.DB, actorID, companyID, month string) (*ActorScore, error) {
	var score ActorScore
	err := tx.Where("actor_id = ? AND company_id = ? AND month = ?", actorID, companyID, month).
		First(&score).Error
	if err == nil {
		return &score, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	score = ActorScore{
		ID:        s.node.Generate().Int64(),
		ActorID:   actorID,
		CompanyID: companyID,
		Month:     month,
	}

	var prev ActorScore
	if prevErr := tx.Where("actor_id = ? AND company_id = ? AND month = ?", actorID, companyID, prevMonth(month)).
		First(&prev).Error; prevErr == nil {
		score.Streak = prev.Streak
		score.StreakDay = prev.StreakDay
		score.AwardedThresholds = prev.AwardedThresholds
	}

	if err := tx.Create(&score).Error; err != nil {
		return nil, err
	}

	return &score, nil
}

func prevMonth(month string) string {
	t, err := time.Parse("2006-01", month)
	if err != nil {
		return ""
	}
	return t.AddDate(0, -1, 0).Format("2006-01")
}

// TotalFor sums the applied point deltas for an actor within a scope.
// ActorScore.TotalPoints must always equal this fold.
func (s *Service) TotalFor(ctx context.Context, actorID, companyID, month string) (int64, error) {
	var total int64
	err := s.db.WithContext(ctx).Model(&ScoreEvent{}).
		Where("actor_id = ? AND company_id = ? AND month = ?", actorID, companyID, month).
		Select("COALESCE(SUM(point_delta), 0)").
		Scan(&total).Error
	return total, err
}

// Rebuild reconstructs all of an actor's score rows from the ScoreEvent
// fold. Used as the repair path when a derived row is suspect; the facts
// are the source of truth. Events are refolded in id order, the same
// arrival order the incremental drain applied them in.
func (s *Service) Rebuild(ctx context.Context, actorID string) error {
	var events []ScoreEvent
	if err := s.db.WithContext(ctx).
		Where("actor_id = ?", actorID).
		Order("id asc").
		Find(&events).Error; err != nil {
		return err
	}

	type scopeKey struct{ company, month string }
	scores := map[scopeKey]*ActorScore{}
	type streakState struct {
		day     string
		streak  int
		awarded map[int]bool
	}
	streaks := map[string]*streakState{} // per company

	for _, ev := range events {
		key := scopeKey{ev.CompanyID, ev.Month}
		score, ok := scores[key]
		if !ok {
			score = &ActorScore{
				ID:        s.node.Generate().Int64(),
				ActorID:   actorID,
				CompanyID: ev.CompanyID,
				Month:     ev.Month,
			}
			scores[key] = score
		}

		score.TotalPoints += ev.PointDelta
		if ev.OccurredAt.After(score.LastActivityAt) {
			score.LastActivityAt = ev.OccurredAt
		}

		if ev.Kind == KindCheckin {
			st, ok := streaks[ev.CompanyID]
			if !ok {
				st = &streakState{awarded: map[int]bool{}}
				streaks[ev.CompanyID] = st
			}

			day := s.rules.Day(ev.OccurredAt)
			if st.day == "" {
				st.streak = 1
			} else {
				var reset bool
				st.streak, reset = s.rules.NextStreak(st.day, st.streak, day)
				if reset {
					st.awarded = map[int]bool{}
				}
			}
			st.day = day

			if _, isThreshold := s.rules.StreakBonuses[st.streak]; isThreshold {
				st.awarded[st.streak] = true
			}

			score.Streak = st.streak
			score.StreakDay = st.day
			score.AwardedThresholds = encodeIntSet(st.awarded)
		}

		score.Badges = mergeBadges(score.Badges, s.rules.BadgesFor(score.TotalPoints, score.Streak))
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("actor_id = ?", actorID).Delete(&ActorScore{}).Error; err != nil {
			return err
		}
		for _, score := range scores {
			if err := tx.Create(score).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

func decodeIntSet(raw datatypes.JSON) map[int]bool {
	set := map[int]bool{}
	if len(raw) == 0 {
		return set
	}
	var values []int
	if err := json.Unmarshal(raw, &values); err != nil {
		return set
	}
	for _, v := range values {
		set[v] = true
	}
	return set
}

func encodeIntSet(set map[int]bool) datatypes.JSON {
	values := make([]int, 0, len(set))
	for v := range set {
		values = append(values, v)
	}
	sort.Ints(values)
	raw, _ := json.Marshal(values)
	return raw
}

func mergeBadges(raw datatypes.JSON, earned []string) datatypes.JSON {
	held := map[string]bool{}
	if len(raw) > 0 {
		var codes []string
		if err := json.Unmarshal(raw, &codes); err == nil {
			for _, c := range codes {
				held[c] = true
			}
		}
	}

	for _, c := range earned {
		held[c] = true
	}

	codes := make([]string, 0, len(held))
	for c := range held {
		codes = append(codes, c)
	}
	sort.Strings(codes)

	out, _ := json.Marshal(codes)
	return out
}
