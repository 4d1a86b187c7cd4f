package data

import (
	"errors"
	"fmt"

	"knowledgehub/cmd/task-engine/internal/domain"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"
)

// Data 数据层资源集合
type Data struct {
	db    *gorm.DB
	redis *redis.Client
}

// NewData 创建数据层
func NewData(db *gorm.DB, rdb *redis.Client, logger log.Logger) (*Data, func(), error) {
	helper := log.NewHelper(logger)

	d := &Data{db: db, redis: rdb}
	cleanup := func() {
		helper.Info("closing data resources")
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
		if rdb != nil {
			rdb.Close()
		}
	}
	return d, cleanup, nil
}

// storeErr 把底层存储错误归一到领域错误。
// 记录未找到原样区分，其余一律映射为StoreUnavailable（调用方按拒绝处理）
func storeErr(err error, notFound error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return notFound
	}
	return fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
}
