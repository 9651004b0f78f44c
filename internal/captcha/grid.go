// internal/captcha/grid.go
package captcha

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/webpilot/api/schemas"
	"github.com/xkilldash9x/webpilot/internal/llmutil"
)

const (
	gridSize        = 3
	gridCellTimeout = 3 * time.Second
	gridCellPause   = 400 * time.Millisecond

	// gridInstructionScript runs inside the challenge frame. cols is 4 for
	// the 4x4 variant, which the solver does not attempt.
	gridInstructionScript = `(() => {
  const desc = document.querySelector('.rc-imageselect-desc-wrapper, .rc-imageselect-instructions');
  const row = document.querySelector("table[class*='rc-imageselect-table'] tr");
  return { text: desc ? desc.innerText.trim() : '', cols: row ? row.querySelectorAll('td').length : 0 };
})()`

	// gridPromptTemplate takes the instruction text.
	gridPromptTemplate = `This is a reCAPTCHA image challenge laid out as a 3x3 grid.
Cells are numbered 1 to 9 row by row: 1 2 3 on the top row, 4 5 6 in the middle, 7 8 9 at the bottom.
Instruction shown to the user: "%s"
Return ONLY JSON: {"cells": [numbers of every cell that matches the instruction]}`
)

// gridInstruction is what the challenge frame asks the user to do.
type gridInstruction struct {
	Text string `json:"text"`
	Cols int    `json:"cols"`
}

// gridAnswer is the model's selection, 1-based and row-major.
type gridAnswer struct {
	Cells []int `json:"cells"`
}

// GridSolver answers reCAPTCHA image grids with the vision model.
type GridSolver struct {
	vision schemas.VisionClient
	rounds int
	// wait is the pause for a new grid to load after verify.
	wait   time.Duration
	logger *zap.Logger
	sleep  func(context.Context, time.Duration) error
}

// NewGridSolver returns a solver that tries up to rounds grids.
func NewGridSolver(vision schemas.VisionClient, rounds int, wait time.Duration, logger *zap.Logger) *GridSolver {
	// Two rounds covers the usual "one more grid" follow-up.
	if rounds <= 0 {
		rounds = 2
	}
	return &GridSolver{
		vision: vision,
		rounds: rounds,
		wait:   wait,
		logger: logger.Named("grid"),
		sleep:  sleepCtx,
	}
}

// Solve clicks the cells the model picks and presses verify, repeating while
// a new grid is served. It reports whether the anchor checkbox ended up
// checked.
func (g *GridSolver) Solve(ctx context.Context, page schemas.Page, ch Challenge) (bool, error) {
	if ch.ChallengeFrameID == "" {
		return false, fmt.Errorf("grid: no challenge frame")
	}
	// Google often serves a fresh grid after verify; each one is a round.
	for round := 1; round <= g.rounds; round++ {
		// 1. Read the instruction and check the layout.
		var instr gridInstruction
		if err := page.EvaluateInFrame(ctx, ch.ChallengeFrameID, gridInstructionScript, &instr); err != nil {
			return false, fmt.Errorf("grid: reading instruction: %w", err)
		}
		if instr.Cols != 0 && instr.Cols != gridSize {
			g.logger.Info("Grid is not 3x3, leaving it to the solving service.", zap.Int("cols", instr.Cols))
			return false, nil
		}

		// 2. Photograph the challenge frame as it appears in the page.
		frameEl, err := page.Locate(ctx, schemas.Query{Selector: "iframe[src*='bframe']"})
		if err != nil || frameEl == nil {
			return false, fmt.Errorf("grid: challenge iframe not found: %v", err)
		}
		shot, err := page.ElementScreenshot(ctx, frameEl)
		if err != nil {
			return false, fmt.Errorf("grid: screenshot: %w", err)
		}

		// 3. Let the model pick, then click each cell with a short pause.
		cells, err := g.pickCells(ctx, instr.Text, shot)
		if err != nil {
			return false, err
		}
		g.logger.Info("Clicking grid cells.", zap.Int("round", round), zap.Ints("cells", cells))
		for _, n := range cells {
			// A missed cell is not fatal; verify decides.
			if err := g.clickIn(ctx, page, ch.ChallengeFrameID, cellSelector(n)); err != nil {
				g.logger.Debug("Grid cell click failed.", zap.Int("cell", n), zap.Error(err))
			}
			if err := g.sleep(ctx, gridCellPause); err != nil {
				return false, err
			}
		}
		// 4. Submit and see whether the anchor got its check mark.
		if err := g.clickIn(ctx, page, ch.ChallengeFrameID, "#recaptcha-verify-button"); err != nil {
			return false, fmt.Errorf("grid: verify: %w", err)
		}
		if err := g.sleep(ctx, g.wait); err != nil {
			return false, err
		}

		solved, err := checkboxChecked(ctx, page, ch)
		if err != nil {
			return false, err
		}
		if solved {
			return true, nil
		}
	}
	return false, nil
}

// pickCells asks the model which cells match the instruction.
func (g *GridSolver) pickCells(ctx context.Context, instruction string, shot []byte) ([]int, error) {
	raw, err := g.vision.Analyze(ctx, schemas.VisionRequest{
		Purpose:         "captcha_grid",
		Prompt:          fmt.Sprintf(gridPromptTemplate, instruction),
		Image:           shot,
		MaxOutputTokens: 100,
		JSON:            true,
	})
	if err != nil {
		return nil, fmt.Errorf("grid: model: %w", err)
	}
	// Cells are numbered 1 to 9, left to right, top to bottom.
	answer, err := llmutil.ParseJSONResponse[gridAnswer](raw)
	if err != nil {
		return nil, fmt.Errorf("grid: %w", err)
	}
	cells := NormalizeCells(answer.Cells)
	// Clicking verify with nothing selected just reloads the challenge.
	if len(cells) == 0 {
		return nil, fmt.Errorf("grid: model selected no cells")
	}
	return cells, nil
}

// NormalizeCells drops out-of-range and duplicate cell numbers, keeping order.
func NormalizeCells(cells []int) []int {
	seen := make(map[int]bool, len(cells))
	out := make([]int, 0, len(cells))
	for _, n := range cells {
		if n < 1 || n > gridSize*gridSize || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	return out
}

// cellSelector addresses cell n (1..9) in the image table.
func cellSelector(n int) string {
	row := (n-1)/gridSize + 1
	col := (n-1)%gridSize + 1
	return fmt.Sprintf("table[class*='rc-imageselect-table'] tr:nth-child(%d) > td:nth-child(%d)", row, col)
}

// clickIn force-clicks selector inside the given frame.
func (g *GridSolver) clickIn(ctx context.Context, page schemas.Page, frameID, selector string) error {
	el, err := page.Locate(ctx, schemas.Query{Selector: selector, FrameID: frameID})
	if err != nil {
		return err
	}
	if el == nil {
		return fmt.Errorf("%s not found", selector)
	}
	return page.Click(ctx, el, schemas.ClickOptions{Timeout: gridCellTimeout, Force: true})
}
