// Package config 负责加载与校验服务配置。支持 YAML 与 JSON 两种
// 格式，路径可由命令行参数或 DEVCREW_CONFIG 环境变量指定，缺省时
// 使用单机内存后端的默认配置。
package config
