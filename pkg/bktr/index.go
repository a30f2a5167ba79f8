package bktr

import "fmt"

// findIndirect returns the Indirect entry serving logical offset v and
// the entry immediately following it in the same bucket (always safe
// to dereference thanks to the per-bucket sentinel).
func findIndirect(b *indirectBlock, v uint64) (entry, next *indirectEntry, err error) {
	if b == nil || len(b.buckets) == 0 || v >= b.virtualSize {
		return nil, nil, fmt.Errorf("%w: offset 0x%x out of range", ErrInvalidArgs, v)
	}

	bucketNum := 0
	for i := 1; i < len(b.topOffsets); i++ {
		if b.topOffsets[i] <= v {
			bucketNum++
		}
	}

	bucket := b.buckets[bucketNum]
	entryCount := len(bucket.entries) - 1 // exclude the sentinel
	if entryCount <= 0 {
		return nil, nil, fmt.Errorf("%w: indirect bucket %d is empty", ErrCorruptIndex, bucketNum)
	}

	idx := -1
	if entryCount == 1 {
		idx = 0
	} else {
		low, high := 0, entryCount-1
		for low <= high {
			mid := (low + high) / 2
			if bucket.entries[mid].VirtualOffset > v {
				high = mid - 1
				continue
			}
			if mid == entryCount-1 || bucket.entries[mid+1].VirtualOffset > v {
				idx = mid
				break
			}
			low = mid + 1
		}
	}

	if idx < 0 {
		return nil, nil, fmt.Errorf("%w: offset 0x%x not found in indirect bucket %d", ErrCorruptIndex, v, bucketNum)
	}
	return &bucket.entries[idx], &bucket.entries[idx+1], nil
}

// findAesCtrEx returns the AesCtrEx entry serving physical offset p
// and the entry immediately following it. When p lands at or past the
// block's first trailing sentinel (the start of the Indirect Storage
// Block on disk), that sentinel and the final section-end sentinel
// are returned directly: this lets reads into the relocation-table
// region itself resolve correctly.
func findAesCtrEx(b *aesCtrExBlock, p uint64) (entry, next *aesCtrExEntry, err error) {
	if b == nil || len(b.buckets) == 0 {
		return nil, nil, fmt.Errorf("%w: aesctrex index not initialized", ErrInvalidArgs)
	}

	lastBucket := b.buckets[len(b.buckets)-1]
	if len(lastBucket.entries) < 2 {
		return nil, nil, fmt.Errorf("%w: last aesctrex bucket missing sentinels", ErrCorruptIndex)
	}
	n := len(lastBucket.entries)
	firstSentinel := &lastBucket.entries[n-2]
	finalSentinel := &lastBucket.entries[n-1]
	if p >= firstSentinel.Offset {
		return firstSentinel, finalSentinel, nil
	}

	if p >= b.physicalSize {
		return nil, nil, fmt.Errorf("%w: offset 0x%x out of range", ErrInvalidArgs, p)
	}

	bucketNum := 0
	for i := 1; i < len(b.topOffsets); i++ {
		if b.topOffsets[i] <= p {
			bucketNum++
		}
	}

	bucket := b.buckets[bucketNum]
	sentinelCount := 1
	if bucketNum == len(b.buckets)-1 {
		sentinelCount = 2 // the last bucket carries two trailing sentinels
	}
	entryCount := len(bucket.entries) - sentinelCount
	if entryCount <= 0 {
		return nil, nil, fmt.Errorf("%w: aesctrex bucket %d is empty", ErrCorruptIndex, bucketNum)
	}

	idx := -1
	if entryCount == 1 {
		idx = 0
	} else {
		low, high := 0, entryCount-1
		for low <= high {
			mid := (low + high) / 2
			if bucket.entries[mid].Offset > p {
				high = mid - 1
				continue
			}
			if mid == entryCount-1 || bucket.entries[mid+1].Offset > p {
				idx = mid
				break
			}
			low = mid + 1
		}
	}

	if idx < 0 {
		return nil, nil, fmt.Errorf("%w: offset 0x%x not found in aesctrex bucket %d", ErrCorruptIndex, p, bucketNum)
	}
	return &bucket.entries[idx], &bucket.entries[idx+1], nil
}
