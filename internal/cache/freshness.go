package cache

import "time"

// DefaultFreshnessWindow 是快照被视为新鲜的默认时长（7 天）。
const DefaultFreshnessWindow = 7 * 24 * time.Hour

// Freshness 根据统一的时间窗口判断快照是否仍可直接复用。
type Freshness struct {
	window time.Duration
	now    func() time.Time
}

// NewFreshness 构造新鲜度策略，默认使用 time.Now 作为时钟；window <= 0 时回退默认值。
func NewFreshness(window time.Duration) Freshness {
	if window <= 0 {
		window = DefaultFreshnessWindow
	}
	return Freshness{
		window: window,
		now:    time.Now,
	}
}

// WithClock 替换时钟，便于测试中推进时间。
func (f Freshness) WithClock(now func() time.Time) Freshness {
	if now != nil {
		f.now = now
	}
	return f
}

// Window 返回生效的新鲜度窗口。
func (f Freshness) Window() time.Duration {
	return f.window
}

// Now 返回策略时钟的当前时间，写入快照时以此作为 CapturedAt。
func (f Freshness) Now() time.Time {
	return f.now().UTC()
}

// Age 返回快照自写入以来经过的时间。
func (f Freshness) Age(snap *Snapshot) time.Duration {
	return f.now().Sub(snap.CapturedAt)
}

// IsFresh 判断 age < window；窗口边界上的快照视为过期。
func (f Freshness) IsFresh(snap *Snapshot) bool {
	if snap == nil {
		return false
	}
	return f.Age(snap) < f.window
}
