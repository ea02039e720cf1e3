package state

import "github.com/davidahmann/timeloop/core/model"

// selectNth reorders events so that events[k] holds the event that would sit at index k
// after sorting by sequence number, with smaller sequences before it and larger after.
// Sequence numbers are unique per session, so no equal-key handling is needed.
func selectNth(events []model.Event, k int) {
	low, high := 0, len(events)-1
	for low < high {
		pivot := partition(events, low, high)
		switch {
		case pivot == k:
			return
		case pivot < k:
			low = pivot + 1
		default:
			high = pivot - 1
		}
	}
}

// partition uses the median of three as pivot, which keeps already sorted input linear.
func partition(events []model.Event, low, high int) int {
	mid := low + (high-low)/2
	if events[mid].SequenceNumber < events[low].SequenceNumber {
		events[mid], events[low] = events[low], events[mid]
	}
	if events[high].SequenceNumber < events[low].SequenceNumber {
		events[high], events[low] = events[low], events[high]
	}
	if events[mid].SequenceNumber < events[high].SequenceNumber {
		events[mid], events[high] = events[high], events[mid]
	}
	pivot := events[high].SequenceNumber
	store := low
	for index := low; index < high; index++ {
		if events[index].SequenceNumber < pivot {
			events[index], events[store] = events[store], events[index]
			store++
		}
	}
	events[store], events[high] = events[high], events[store]
	return store
}
