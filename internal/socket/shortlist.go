package socket

// shortlist tracks the sessions that have pending output or a pending
// close, so send passes do not scan the whole table.
type shortlist struct {
	set   []uint32
	array []int
}

func newShortlist(capacity int) *shortlist {
	return &shortlist{
		set:   make([]uint32, (capacity+31)/32),
		array: make([]int, 0, 64),
	}
}

func (l *shortlist) contains(fd int) bool {
	return l.set[fd/32]&(1<<(fd%32)) != 0
}

func (l *shortlist) add(fd int) {
	if l.contains(fd) {
		return
	}
	l.set[fd/32] |= 1 << (fd % 32)
	l.array = append(l.array, fd)
}

func (l *shortlist) remove(fd int) {
	l.set[fd/32] &^= 1 << (fd % 32)
}

func (l *shortlist) len() int { return len(l.array) }

func (c *Core) addShortlist(fd int) {
	if c.shortlist == nil || !c.IsValid(fd) {
		return
	}
	c.shortlist.add(fd)
}

// doSends walks the shortlist from the end, removing each entry by swapping
// in the last one. Sessions that still have output afterwards are re-added.
func (c *Core) doSends() {
	l := c.shortlist
	for i := len(l.array) - 1; i >= 0; i-- {
		// the parse calls below may close sessions and shrink the list
		if i >= len(l.array) {
			continue
		}
		fd := l.array[i]
		last := len(l.array) - 1
		l.array[i] = l.array[last]
		l.array = l.array[:last]

		if fd <= 0 || fd >= c.fdMax {
			c.logger.Debug().Int("fd", fd).Int("fd_max", c.fdMax).Msg("shortlist fd out of range")
			continue
		}
		if !l.contains(fd) {
			c.logger.Debug().Int("fd", fd).Msg("shortlist fd is not set")
			continue
		}
		l.remove(fd)

		s := c.session[fd]
		if s == nil {
			continue
		}
		if s.wsize > 0 {
			s.handler.OnWritable(c, fd)
		}
		if s.Flag.EOF {
			s.handler.OnParse(c, fd)
		}
		if s = c.session[fd]; s != nil && !s.Flag.EOF && s.wsize > 0 {
			l.add(fd)
		}
	}
}
