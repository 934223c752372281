package biz

import (
	"strconv"
	"sync"
	"time"
)

// DayLayout 日期字符串格式
const DayLayout = "2006-01-02"

// Clock 时间来源
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// NewSystemClock 返回系统时钟
func NewSystemClock() Clock {
	return systemClock{}
}

// FakeClock 可手动推进的时钟
type FakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func NewFakeClock(t time.Time) *FakeClock {
	return &FakeClock{now: t}
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *FakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// Calendar 按参考时区计算自然日
type Calendar struct {
	clock Clock
	loc   *time.Location
}

func NewCalendar(clock Clock, s *Settings) *Calendar {
	return &Calendar{clock: clock, loc: s.Location}
}

func (c *Calendar) Now() time.Time {
	return c.clock.Now()
}

// Today 参考时区下的今天
func (c *Calendar) Today() string {
	return c.DayOf(c.clock.Now())
}

// Yesterday 参考时区下的昨天
func (c *Calendar) Yesterday() string {
	t := c.clock.Now().In(c.loc)
	return time.Date(t.Year(), t.Month(), t.Day()-1, 12, 0, 0, 0, c.loc).Format(DayLayout)
}

func (c *Calendar) DayOf(t time.Time) string {
	return t.In(c.loc).Format(DayLayout)
}

// NextMidnight 下一个自然日零点，用于计算配额重置时间
func (c *Calendar) NextMidnight() time.Time {
	t := c.clock.Now().In(c.loc)
	return time.Date(t.Year(), t.Month(), t.Day()+1, 0, 0, 0, 0, c.loc)
}

func itoa(v int64) string {
	return strconv.FormatInt(v, 10)
}
