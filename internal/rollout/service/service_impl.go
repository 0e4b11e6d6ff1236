package service

import (
	"context"
	"encoding/json"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/cobranzalabs/cobranza/internal/config"
	"github.com/cobranzalabs/cobranza/internal/rollout/domain"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	Cfg   config.Config
	Cache *redis.Client `optional:"true"`
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	cache    *redis.Client
	cacheTTL time.Duration
}

func New(p Params) domain.Service {
	ttl := p.Cfg.RolloutCacheTTL
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("rollout.service"),
		cache:    p.Cache,
		cacheTTL: ttl,
	}
}

func cacheKey(agencyID snowflake.ID) string {
	return "rollout:" + agencyID.String()
}

// FlagsFor resolves flags for a set of agencies, cache-aside through redis
// when configured. Agencies without a rollout row are absent from the map.
func (s *Service) FlagsFor(ctx context.Context, agencyIDs []snowflake.ID) (map[snowflake.ID]Flags, error) {
	out := make(map[snowflake.ID]Flags, len(agencyIDs))
	missing := make([]snowflake.ID, 0, len(agencyIDs))

	if s.cache != nil {
		keys := make([]string, 0, len(agencyIDs))
		for _, id := range agencyIDs {
			keys = append(keys, cacheKey(id))
		}
		values, err := s.cache.MGet(ctx, keys...).Result()
		if err != nil {
			s.log.Warn("rollout cache read failed, falling back to database", zap.Error(err))
			missing = agencyIDs
		} else {
			for i, raw := range values {
				str, ok := raw.(string)
				if !ok {
					missing = append(missing, agencyIDs[i])
					continue
				}
				var flags Flags
				if err := json.Unmarshal([]byte(str), &flags); err != nil {
					missing = append(missing, agencyIDs[i])
					continue
				}
				out[agencyIDs[i]] = flags
			}
		}
	} else {
		missing = agencyIDs
	}

	if len(missing) == 0 {
		return out, nil
	}

	var rows []domain.AgencyRollout
	if err := s.db.WithContext(ctx).
		Where("agency_id IN ?", missing).
		Find(&rows).Error; err != nil {
		return nil, err
	}

	for _, row := range rows {
		flags := Flags{
			AgencyID:            row.AgencyID,
			PDAutomationEnabled: row.PDAutomationEnabled,
			CutoffHour:          row.CutoffHour,
			FallbackEnabled:     row.FallbackEnabled,
			FallbackProvider:    row.FallbackProvider,
			FallbackAutoSync:    row.FallbackAutoSync,
			DunningEnabled:      row.DunningEnabled,
		}
		out[row.AgencyID] = flags
		s.cacheSet(ctx, flags)
	}

	return out, nil
}

func (s *Service) cacheSet(ctx context.Context, flags Flags) {
	if s.cache == nil {
		return
	}
	encoded, err := json.Marshal(flags)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, cacheKey(flags.AgencyID), encoded, s.cacheTTL).Err(); err != nil {
		s.log.Warn("rollout cache write failed", zap.Error(err))
	}
}

// Flags aliases the domain type so callers importing only the service
// package keep working.
type Flags = domain.Flags
