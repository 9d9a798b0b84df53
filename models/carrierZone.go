package models

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/codops_backend/config"
	"bitbucket.org/mmdatafocus/codops_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm/clause"
)

// CarrierZone is a named delivery-fee rate scoped to (store, carrier).
// Upsertable by zone name, no history.
type CarrierZone struct {
	ID        int             `gorm:"primary_key" json:"id"`
	StoreId   string          `gorm:"uniqueIndex:idx_store_carrier_zone;not null" json:"store_id"`
	CarrierId int             `gorm:"uniqueIndex:idx_store_carrier_zone;not null" json:"carrier_id"`
	ZoneName  string          `gorm:"uniqueIndex:idx_store_carrier_zone;size:255;not null" json:"zone_name"`
	Fee       decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"fee"`
	IsActive  *bool           `gorm:"default:true" json:"is_active"`
	CreatedAt time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewCarrierZone struct {
	CarrierId int             `json:"carrier_id" validate:"required"`
	ZoneName  string          `json:"zone_name" validate:"required"`
	Fee       decimal.Decimal `json:"fee" validate:"required"`
}

// fallbackZoneNames are the reserved bucket names that absorb unmapped
// cities, tried in this priority order.
var fallbackZoneNames = []string{"default", "otros", "interior", "general"}

// FallbackDeliveryFee applies only when a carrier has zero configured zones,
// which CreateDispatchSession refuses anyway; it exists so fee resolution is
// total for ad-hoc callers (backfill, reports).
var FallbackDeliveryFee = decimal.NewFromInt(20000)

func UpsertCarrierZone(ctx context.Context, input *NewCarrierZone) (*CarrierZone, error) {
	storeId, ok := utils.GetStoreIdFromContext(ctx)
	if !ok || storeId == "" {
		return nil, errors.New("store id is required")
	}
	if err := utils.ValidateStruct(input); err != nil {
		return nil, err
	}
	if input.Fee.IsNegative() {
		return nil, errors.New("zone fee cannot be negative")
	}
	if err := utils.ValidateResourceId[Carrier](ctx, storeId, input.CarrierId); err != nil {
		return nil, errors.New("carrier not found")
	}

	zone := CarrierZone{
		StoreId:   storeId,
		CarrierId: input.CarrierId,
		ZoneName:  strings.ToLower(strings.TrimSpace(input.ZoneName)),
		Fee:       input.Fee,
		IsActive:  utils.NewTrue(),
	}

	db := config.GetDB()
	err := db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "store_id"}, {Name: "carrier_id"}, {Name: "zone_name"}},
		DoUpdates: clause.AssignmentColumns([]string{"fee", "is_active", "updated_at"}),
	}).Create(&zone).Error
	if err != nil {
		return nil, err
	}

	// rate table changed, drop the cached copy
	_ = utils.RemoveRedisList[CarrierZone](zoneCacheScope(storeId, input.CarrierId))

	return &zone, nil
}

func DeactivateCarrierZone(ctx context.Context, carrierId int, zoneName string) error {
	storeId, ok := utils.GetStoreIdFromContext(ctx)
	if !ok || storeId == "" {
		return errors.New("store id is required")
	}
	db := config.GetDB()
	result := db.WithContext(ctx).Model(&CarrierZone{}).
		Where("store_id = ? AND carrier_id = ? AND zone_name = ?", storeId, carrierId, strings.ToLower(strings.TrimSpace(zoneName))).
		Update("is_active", false)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return utils.ErrorRecordNotFound
	}
	_ = utils.RemoveRedisList[CarrierZone](zoneCacheScope(storeId, carrierId))
	return nil
}

// GetActiveCarrierZones reads the carrier's active rate table, redis first.
func GetActiveCarrierZones(ctx context.Context, carrierId int) ([]*CarrierZone, error) {
	storeId, ok := utils.GetStoreIdFromContext(ctx)
	if !ok || storeId == "" {
		return nil, errors.New("store id is required")
	}

	scope := zoneCacheScope(storeId, carrierId)
	cached, err := utils.RetrieveRedisList[CarrierZone](scope)
	if err != nil {
		return nil, err
	}
	if cached != nil {
		return cached, nil
	}

	db := config.GetDB()
	var zones []*CarrierZone
	err = db.WithContext(ctx).
		Where("store_id = ? AND carrier_id = ? AND is_active = ?", storeId, carrierId, true).
		Order("id").
		Find(&zones).Error
	if err != nil {
		return nil, err
	}

	if err := utils.StoreRedisList[CarrierZone](zones, scope); err != nil {
		return nil, err
	}
	return zones, nil
}

func zoneCacheScope(storeId string, carrierId int) string {
	return storeId + ":" + fmt.Sprint(carrierId)
}

// ZoneRateTable is the in-memory view of one carrier's active zones used to
// price deliveries. Zone names are case-folded once at construction.
type ZoneRateTable struct {
	carrierId int
	rates     map[string]decimal.Decimal
	first     *CarrierZone
}

func NewZoneRateTable(carrierId int, zones []*CarrierZone) *ZoneRateTable {
	t := &ZoneRateTable{
		carrierId: carrierId,
		rates:     make(map[string]decimal.Decimal, len(zones)),
	}
	for _, z := range zones {
		name := strings.ToLower(strings.TrimSpace(z.ZoneName))
		if _, exists := t.rates[name]; !exists {
			t.rates[name] = z.Fee
		}
		if t.first == nil {
			t.first = z
		}
	}
	return t
}

func (t *ZoneRateTable) Size() int {
	return len(t.rates)
}

// HasFallbackZone reports whether any reserved fallback bucket is configured.
// Without one, unmapped cities silently price off the first configured zone.
func (t *ZoneRateTable) HasFallbackZone() bool {
	for _, name := range fallbackZoneNames {
		if _, ok := t.rates[name]; ok {
			return true
		}
	}
	return false
}

// ResolveFee prices a delivery to the given city: exact match, then the
// fallback buckets in priority order, then the first configured zone, then
// FallbackDeliveryFee. The last two escape hatches produce inconsistent fees
// for unmapped cities, so they warn.
func (t *ZoneRateTable) ResolveFee(city string) decimal.Decimal {
	logger := config.GetLogger()
	name := strings.ToLower(strings.TrimSpace(city))

	if fee, ok := t.rates[name]; ok {
		return fee
	}
	for _, fallback := range fallbackZoneNames {
		if fee, ok := t.rates[fallback]; ok {
			return fee
		}
	}
	if t.first != nil {
		config.LogWarn(logger, "models", "ResolveFee", "zone rate resolution",
			map[string]interface{}{"carrier_id": t.carrierId, "city": city, "used_zone": t.first.ZoneName},
			"no default zone configured; pricing unmapped city off the first configured zone")
		return t.first.Fee
	}
	config.LogWarn(logger, "models", "ResolveFee", "zone rate resolution",
		map[string]interface{}{"carrier_id": t.carrierId, "city": city},
		"carrier has no configured zones; using the fallback delivery fee")
	return FallbackDeliveryFee
}
