//go:build wireinject
// +build wireinject

package main

import (
	"wallet/internal/biz"
	"wallet/internal/conf"
	"wallet/internal/data"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/google/wire"
)

// wireApp 初始化应用
func wireApp(*conf.Bootstrap, log.Logger) (*CronApp, func(), error) {
	panic(wire.Build(
		data.ProviderSet,
		data.NewRedsync,
		biz.ProviderSet,
		idProviderSet,
		wire.Struct(new(CronApp), "*"),
	))
}
