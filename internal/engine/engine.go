// Package engine implements the Connect Four board: applying moves,
// detecting a win or draw, and serializing the board for reconnect
// recovery. It has no knowledge of sockets, sessions, or the registry -
// the original server had the board push messages to clients directly;
// here the board only returns what happened and the room (internal/room)
// turns that into outbound messages. See DESIGN.md / REDESIGN FLAGS.
package engine

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/race/connect4server/config"
)

// Cell is the occupant of one board position.
type Cell int

const (
	CellEmpty Cell = iota
	CellA
	CellB
)

// Outcome is what happened as a result of a Drop.
type Outcome int

const (
	Continue Outcome = iota
	Win
	Draw
)

// Coord is a zero-indexed (row, column) position. Row 0 is the top of the
// board; a disk dropped into an empty column first lands at the highest
// row index (the bottom).
type Coord struct {
	Row, Col int
}

// ErrInvalidColumn is returned for a column outside [0, config.BoardColumns).
var ErrInvalidColumn = errors.New("engine: invalid column")

// ErrColumnFull is returned when the column's top cell is already occupied.
var ErrColumnFull = errors.New("engine: column is full")

// DropResult describes the effect of a successful Drop.
type DropResult struct {
	Row, Col     int
	Mover        Cell
	Outcome      Outcome
	WinningCells [4]Coord // only meaningful when Outcome == Win
}

// Engine is one Connect Four board plus whose turn it is. A to move first.
type Engine struct {
	board   [config.BoardRows][config.BoardColumns]Cell
	aToMove bool
	lines   [][]Coord
}

// New returns an empty board with A to move.
func New() *Engine {
	return &Engine{aToMove: true, lines: precomputedLines()}
}

// CurrentMover returns whose turn it is.
func (e *Engine) CurrentMover() Cell {
	if e.aToMove {
		return CellA
	}
	return CellB
}

// Drop places the current mover's disk at the lowest empty row of col,
// scans for a win, and (if the game continues) flips the mover.
func (e *Engine) Drop(col int) (DropResult, error) {
	if col < 0 || col >= config.BoardColumns {
		return DropResult{}, ErrInvalidColumn
	}

	row := -1
	for r := config.BoardRows - 1; r >= 0; r-- {
		if e.board[r][col] == CellEmpty {
			row = r
			break
		}
	}
	if row == -1 {
		return DropResult{}, ErrColumnFull
	}

	mover := e.CurrentMover()
	e.board[row][col] = mover

	result := DropResult{Row: row, Col: col, Mover: mover}

	if cells, ok := e.scanWin(); ok {
		result.Outcome = Win
		result.WinningCells = cells
		return result, nil
	}

	if e.isFull() {
		result.Outcome = Draw
		return result, nil
	}

	e.aToMove = !e.aToMove
	result.Outcome = Continue
	return result, nil
}

// scanWin looks for the first run of four identical non-empty cells, in
// the order rows, columns, diag-up-right, diag-down-right, earliest
// starting index within each line. That order is the tie-break the server
// uses to decide which four cells get announced as the winning set.
func (e *Engine) scanWin() ([4]Coord, bool) {
	for _, line := range e.lines {
		for start := 0; start+4 <= len(line); start++ {
			c0 := line[start]
			v := e.board[c0.Row][c0.Col]
			if v == CellEmpty {
				continue
			}
			match := true
			for i := 1; i < 4; i++ {
				c := line[start+i]
				if e.board[c.Row][c.Col] != v {
					match = false
					break
				}
			}
			if match {
				var out [4]Coord
				copy(out[:], line[start:start+4])
				return out, true
			}
		}
	}
	return [4]Coord{}, false
}

func (e *Engine) isFull() bool {
	for c := 0; c < config.BoardColumns; c++ {
		if e.board[0][c] == CellEmpty {
			return false
		}
	}
	return true
}

// Serialize returns the board as 42 space-separated cell codes (row-major,
// 0=empty, 1=A, 2=B), suitable for replay on reconnect.
func (e *Engine) Serialize() string {
	cells := make([]string, 0, config.BoardRows*config.BoardColumns)
	for r := 0; r < config.BoardRows; r++ {
		for c := 0; c < config.BoardColumns; c++ {
			cells = append(cells, strconv.Itoa(int(e.board[r][c])))
		}
	}
	return strings.Join(cells, " ")
}

// LoadFromSerialized rebuilds a board from Serialize's output. The mover
// flag is not part of the serialized form (spec only recovers the board);
// the loaded engine always starts with A to move.
func LoadFromSerialized(s string) (*Engine, error) {
	tokens := strings.Fields(s)
	if len(tokens) != config.BoardRows*config.BoardColumns {
		return nil, fmt.Errorf("engine: expected %d cells, got %d", config.BoardRows*config.BoardColumns, len(tokens))
	}

	e := New()
	i := 0
	for r := 0; r < config.BoardRows; r++ {
		for c := 0; c < config.BoardColumns; c++ {
			n, err := strconv.Atoi(tokens[i])
			if err != nil || n < int(CellEmpty) || n > int(CellB) {
				return nil, fmt.Errorf("engine: invalid cell code %q", tokens[i])
			}
			e.board[r][c] = Cell(n)
			i++
		}
	}
	return e, nil
}

// LegalColumns returns the columns that still accept a disk.
func (e *Engine) LegalColumns() []int {
	var cols []int
	for c := 0; c < config.BoardColumns; c++ {
		if e.board[0][c] == CellEmpty {
			cols = append(cols, c)
		}
	}
	return cols
}

func precomputedLines() [][]Coord {
	var lines [][]Coord

	for r := 0; r < config.BoardRows; r++ {
		line := make([]Coord, 0, config.BoardColumns)
		for c := 0; c < config.BoardColumns; c++ {
			line = append(line, Coord{r, c})
		}
		lines = append(lines, line)
	}

	// Columns are walked bottom-to-top, since that's the order disks land
	// in a column - a vertical win should be announced in the order the
	// winning disks were actually dropped.
	for c := 0; c < config.BoardColumns; c++ {
		line := make([]Coord, 0, config.BoardRows)
		for r := config.BoardRows - 1; r >= 0; r-- {
			line = append(line, Coord{r, c})
		}
		lines = append(lines, line)
	}

	// diag "up-right": row + col constant, walked with col ascending (row
	// descending).
	for d := 0; d <= (config.BoardRows-1)+(config.BoardColumns-1); d++ {
		var line []Coord
		for c := 0; c < config.BoardColumns; c++ {
			r := d - c
			if r >= 0 && r < config.BoardRows {
				line = append(line, Coord{r, c})
			}
		}
		if len(line) >= 4 {
			lines = append(lines, line)
		}
	}

	// diag "down-right": col - row constant, walked bottom-to-top (row
	// descending, col descending) for the same chronological-order reason
	// as columns above.
	for d := -(config.BoardRows - 1); d <= config.BoardColumns-1; d++ {
		var line []Coord
		for r := config.BoardRows - 1; r >= 0; r-- {
			c := r + d
			if c >= 0 && c < config.BoardColumns {
				line = append(line, Coord{r, c})
			}
		}
		if len(line) >= 4 {
			lines = append(lines, line)
		}
	}

	return lines
}
