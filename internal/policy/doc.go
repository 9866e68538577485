// Package policy 聚合缓存策略档案（profile），并提供统一的注册入口。
//
// 每个档案给出默认 TTL、陈旧窗口、对象大小上限等参数，在 init() 中通过 MustRegister
// 注册；Hub 配置通过 Profile 字段选择档案，再以 Options 覆盖个别参数。
package policy
