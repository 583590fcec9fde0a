package offline

import "context"

// dbSize is a snapshot of the physical space the file uses.
type dbSize struct {
	pageSize  int64
	usedPages int64
}

func snapshotSize(ctx context.Context, q querier) (dbSize, error) {
	pageSize, err := pragmaInt(ctx, q, "page_size")
	if err != nil {
		return dbSize{}, err
	}
	pageCount, err := pragmaInt(ctx, q, "page_count")
	if err != nil {
		return dbSize{}, err
	}
	free, err := pragmaInt(ctx, q, "freelist_count")
	if err != nil {
		return dbSize{}, err
	}
	return dbSize{pageSize: pageSize, usedPages: pageCount - free}, nil
}

func (s dbSize) bytes() uint64 {
	if s.usedPages <= 0 {
		return 0
	}
	return uint64(s.pageSize * s.usedPages)
}

// diff is the signed growth from s to after.
func (s dbSize) diff(after dbSize) int64 {
	return int64(after.bytes()) - int64(s.bytes())
}

// bytesReleased is the space reclaimed between s and after, never negative.
func (s dbSize) bytesReleased(after dbSize) uint64 {
	if d := s.diff(after); d < 0 {
		return uint64(-d)
	}
	return 0
}
