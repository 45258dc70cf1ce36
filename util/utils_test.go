package util

import (
	"errors"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMapN(t *testing.T) {
	got := MapN([]string{"1", "x", "3"}, strconv.Atoi)
	assert.Equal(t, []int{1, 0, 3}, got)
	assert.Empty(t, MapN([]int{}, func(int) (int, error) { return 0, errors.New("unused") }))
}

func TestFilterReduce(t *testing.T) {
	even := Filter([]int{1, 2, 3, 4}, func(v int) bool { return v%2 == 0 })
	assert.Equal(t, []int{2, 4}, even)
	assert.Equal(t, []int{}, Filter([]int{1}, func(int) bool { return false }))

	sum := Reduce([]int{1, 2, 3}, func(v, acc int) int { return acc + v }, 10)
	assert.Equal(t, 16, sum)
}

func TestChoose(t *testing.T) {
	assert.Equal(t, "a", Choose(true, "a", "b"))
	assert.Equal(t, 2, Choose(false, 1, 2))
}
