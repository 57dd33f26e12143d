// Package regexutil 提供带并发安全缓存的正则表达式编译工具
package regexutil

import (
	"regexp"
	"sync"
)

// Cache 正则表达式编译器缓存
// 内部使用 sync.Map 优化读多写少的并发场景
type Cache struct {
	cache sync.Map
}

// New 创建一个新的正则缓存实例
func New() *Cache {
	return &Cache{}
}

// Get 获取编译后的正则表达式对象
// 如果缓存中已存在则直接返回，否则进行编译并存入缓存
func (c *Cache) Get(p string) (*regexp.Regexp, error) {
	if val, ok := c.cache.Load(p); ok {
		return val.(*regexp.Regexp), nil
	}

	compiled, err := regexp.Compile(p)
	if err != nil {
		return nil, err
	}

	c.cache.Store(p, compiled)
	return compiled, nil
}

// Match 用缓存的正则对整串进行匹配
// 编译失败时返回错误而非静默视为不匹配，调用方需显式处理
func (c *Cache) Match(s, pattern string) (bool, error) {
	re, err := c.Get(pattern)
	if err != nil {
		return false, err
	}
	return re.MatchString(s), nil
}
