package presenter

import "time"

const tickInterval = time.Second

// countdown decrements once per tickInterval. onTick runs after every
// decrement that leaves it above zero; onZero runs once it reaches zero,
// after the countdown has already cleared itself.
type countdown struct {
	timer     slotTimer
	remaining int
	active    bool
	onTick    func()
	onZero    func()
}

// start (re)starts the countdown at seconds, replacing any running one.
func (c *countdown) start(seconds int) {
	c.remaining = seconds
	c.active = true
	c.timer.arm(tickInterval, c.tick)
}

func (c *countdown) stop() {
	c.timer.cancel()
	c.active = false
	c.remaining = 0
}

func (c *countdown) tick() {
	c.remaining--
	if c.remaining > 0 {
		c.timer.arm(tickInterval, c.tick)
		c.onTick()
		return
	}
	c.active = false
	c.remaining = 0
	c.onZero()
}

// value returns the remaining seconds, or nil when no countdown is shown.
func (c *countdown) value() *int {
	if !c.active {
		return nil
	}
	v := c.remaining
	return &v
}
