package utils

import (
	"context"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"

	"bitbucket.org/mmdatafocus/codops_backend/config"
)

var mutex sync.Mutex

func GetCacheLifespan() time.Duration {
	lifespan, err := strconv.Atoi(os.Getenv("CACHE_LIFESPAN"))
	if err != nil {
		lifespan = 1
	}
	return time.Duration(lifespan) * time.Hour
}

/* generic functions */

func GetTypeName[T any]() string {
	var v T
	typeOfT := reflect.TypeOf(v)
	return typeOfT.Name()
}

// get type name of struct
func GetType(i interface{}) string {
	return reflect.TypeOf(i).Name()
}

/* Redis */

// store instance, obj should be a pointer
func StoreRedis[T any](obj any, id int) error {
	key := GetTypeName[T]() + ":" + fmt.Sprint(id)
	return config.SetRedisObject(key, &obj, GetCacheLifespan())
}

// store a list under TypeList:$scope (scope is usually the store id, or
// store id + carrier id for rate tables)
func StoreRedisList[T any](obj any, scope string) error {
	var key string
	if scope == "" {
		key = GetTypeName[T]() + "List"
	} else {
		key = GetTypeName[T]() + "List:" + scope
	}
	return config.SetRedisObject(key, &obj, GetCacheLifespan())
}

// get from redis
// returns nil if does not exist
func RetrieveRedis[T any](id int) (*T, error) {
	var result *T
	key := GetTypeName[T]() + ":" + fmt.Sprint(id)
	exists, err := config.GetRedisObject(key, &result)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, nil
	}
	return result, nil
}

// retrieve a list.
// scope can be empty
func RetrieveRedisList[T any](scope string) ([]*T, error) {
	var key string
	if scope == "" {
		key = GetTypeName[T]() + "List"
	} else {
		key = GetTypeName[T]() + "List:" + scope
	}

	var result []*T
	exists, err := config.GetRedisObject(key, &result)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, nil
	}
	return result, nil
}

// clear list, TypeList:$scope
func RemoveRedisList[T any](scope string) error {
	var key string = GetTypeName[T]() + "List:" + scope
	return config.RemoveRedisKey(key)
}

// remove an instance, Type:$id
func RemoveRedisItem[T any](id int) error {
	key := GetTypeName[T]() + ":" + fmt.Sprint(id)
	return config.RemoveRedisKey(key)
}

// GetDailySequence returns the next sequence number for T scoped to one
// (store, calendar day). Dispatch and settlement codes restart at 1 each day,
// so the counter key carries the day and the DB fallback counts only same-day
// rows. The uniqueness re-check closes the window where a stale redis counter
// (or a concurrent writer) would hand out a taken number.
func GetDailySequence[T any](ctx context.Context, storeId string, dateColumn string, day time.Time) (int64, error) {
	// lock
	var model T
	mutex.Lock()
	defer mutex.Unlock()

	dayKey := day.Format("02012006")
	cacheKey := storeId + "-" + strings.ToLower(GetTypeName[T]()) + "_seq-" + dayKey

	// Best-effort cross-replica lock. Correctness does not depend on it: the
	// uniqueness re-check below and the DB unique index still hold without it.
	if locker := config.GetRedisLock(); locker != nil {
		if lock, lockErr := locker.Obtain(ctx, "lock:"+cacheKey, 10*time.Second, nil); lockErr == nil {
			defer func() { _ = lock.Release(ctx) }()
		}
	}

	var seqNo int64
	var err error
	db := config.GetDB()

	for {
		seqNo, err = config.GetRedisCounter(ctx, cacheKey)
		if err != nil {
			return 0, err
		}
		// if not found in redis, get from db
		if seqNo <= 1 {
			// get max same-day seq no from db
			var dbSeq *int64
			if err := db.WithContext(ctx).Model(&model).Select("max(sequence_no)").
				Where("store_id = ?", storeId).
				Where("DATE("+dateColumn+") = ?", day.Format("2006-01-02")).
				Scan(&dbSeq).Error; err != nil {
				return 0, err
			}
			// in case db has no same-day records
			if dbSeq == nil {
				seqNo = 0
			} else {
				seqNo = *dbSeq
			}
			// set redis
			seqNo++
			if err := config.SetRedisObject(cacheKey, &seqNo, 48*time.Hour); err != nil {
				return 0, err
			}
		}
		// check if sequence number exists in db
		count, err := ResourceCountWhere[T](ctx, storeId,
			"sequence_no = ? AND DATE("+dateColumn+") = ?", seqNo, day.Format("2006-01-02"))
		if err != nil {
			return 0, err
		}
		if count == 0 {
			break
		}
	}
	return seqNo, nil
}
