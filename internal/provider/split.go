package provider

import "fmt"

// YearRange is an inclusive range of years
type YearRange struct {
	From int
	To   int
}

// Width returns the number of years covered
func (r YearRange) Width() int {
	return r.To - r.From + 1
}

func (r YearRange) String() string {
	return fmt.Sprintf("[%d,%d]", r.From, r.To)
}

// Split halves r at the floor midpoint. ok is false for single-year ranges.
func Split(r YearRange) (left, right YearRange, ok bool) {
	if r.Width() <= 1 {
		return r, YearRange{}, false
	}
	mid := r.From + r.Width()/2
	return YearRange{From: r.From, To: mid - 1}, YearRange{From: mid, To: r.To}, true
}

// bisect walks r with an explicit stack, left half first. try reports whether
// a range was satisfied; unsatisfied ranges are split until a single year is
// still unsatisfied, which ends the walk with ErrRangeExhausted.
func bisect(r YearRange, try func(YearRange) (bool, error)) error {
	if r.From > r.To {
		return fmt.Errorf("%w: %s", ErrInvalidRange, r)
	}

	stack := []YearRange{r}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		ok, err := try(cur)
		if err != nil {
			return err
		}
		if ok {
			continue
		}

		left, right, canSplit := Split(cur)
		if !canSplit {
			return fmt.Errorf("%w: year %d", ErrRangeExhausted, cur.From)
		}
		stack = append(stack, right, left)
	}
	return nil
}

// Plan returns the ranges the fetcher would request, in request order, for a
// provider that accepts exactly the ranges accept returns true for.
func Plan(r YearRange, accept func(YearRange) bool) ([]YearRange, error) {
	var accepted []YearRange
	err := bisect(r, func(cur YearRange) (bool, error) {
		if accept(cur) {
			accepted = append(accepted, cur)
			return true, nil
		}
		return false, nil
	})
	return accepted, err
}
