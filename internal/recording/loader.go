package recording

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/betbot/rugreplay/internal/gamestate"
	"github.com/betbot/rugreplay/internal/metrics"
)

var log = logrus.WithField("component", "recording")

// maxLineSize 单行上限
const maxLineSize = 1 << 20

// RejectedLine 被拒绝的数据行
type RejectedLine struct {
	Line   int
	Field  string
	Reason string
}

// LoadReport 加载结果
type LoadReport struct {
	Source   string
	Lines    int
	Ticks    int
	Rejected []RejectedLine
	Repaired int      // 坏行留下的空槽中用邻近价格补齐的数量
	Games    []string // 首次出现顺序
}

// Options 加载选项
type Options struct {
	Policy gamestate.ConflictPolicy
}

type gameTrailer struct {
	seed    string
	endTime time.Time
}

// Load 从 r 读取整份录制，返回已定稿的 file 模式重建器。
// 非结构性字段出错只拒绝该行；结构性字段出错或定稿后仍有空洞时返回 *gamestate.MalformedRecordingError。
func Load(r io.Reader, source string, opts Options) (*gamestate.Reconstructor, *LoadReport, error) {
	recon := gamestate.NewReconstructor(gamestate.ModeFile, opts.Policy)
	report := &LoadReport{Source: source}
	trailers := make(map[string]*gameTrailer)
	rejectedTicks := make(map[string][]int)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		data := scanner.Bytes()
		if len(bytes.TrimSpace(data)) == 0 {
			continue
		}
		report.Lines++

		line, err := ParseLine(data)
		if err != nil {
			var se *StructuralError
			if errors.As(err, &se) {
				return nil, report, &gamestate.MalformedRecordingError{
					Line:   lineNo,
					Field:  se.Field,
					Reason: "structural field invalid",
					Err:    se.Err,
				}
			}
			report.reject(lineNo, err)
			if line.Kind == LineTick && line.GameID != "" {
				rejectedTicks[line.GameID] = append(rejectedTicks[line.GameID], line.Tick.Index)
			}
			continue
		}

		switch line.Kind {
		case LineIgnored:
			continue
		case LineGameStart:
			rec := recon.Begin(line.GameID)
			if line.SeedHash != "" {
				rec.SetSeedHash(line.SeedHash)
			}
			continue
		case LineGameEnd:
			tr := trailers[line.GameID]
			if tr == nil {
				tr = &gameTrailer{}
				trailers[line.GameID] = tr
			}
			tr.seed = line.Seed
			tr.endTime = line.Tick.Timestamp
			if rec, err := recon.Record(line.GameID); err == nil && line.SeedHash != "" {
				rec.SetSeedHash(line.SeedHash)
			}
			continue
		}

		if _, err := recon.ApplyTick(line.Tick); err != nil {
			if errors.Is(err, gamestate.ErrTickOutOfRange) {
				return nil, report, &gamestate.MalformedRecordingError{
					GameID: line.GameID,
					Line:   lineNo,
					Field:  "tick",
					Reason: "tick index out of range",
					Err:    err,
				}
			}
			report.reject(lineNo, err)
			rejectedTicks[line.GameID] = append(rejectedTicks[line.GameID], line.Tick.Index)
			continue
		}
		report.Ticks++
	}
	if err := scanner.Err(); err != nil {
		return nil, report, errors.Wrapf(err, "read recording %s at line %d", source, lineNo)
	}

	report.Games = recon.Games()
	for _, gameID := range report.Games {
		tr := trailers[gameID]
		if tr == nil {
			tr = &gameTrailer{}
		}
		if n := repairRejected(recon, gameID, rejectedTicks[gameID]); n > 0 {
			report.Repaired += n
		}
		if err := recon.Finalize(gameID, tr.endTime, tr.seed); err != nil {
			return nil, report, err
		}
		rec, _ := recon.Record(gameID)
		if gaps := rec.Gaps(); len(gaps) > 0 {
			return nil, report, &gamestate.MalformedRecordingError{
				GameID: gameID,
				Reason: fmt.Sprintf("%d ticks missing, first at %d", len(gaps), gaps[0]),
				Err:    &gamestate.GapError{GameID: gameID, Index: gaps[0]},
			}
		}
	}

	log.Infof("📼 录制加载完成: source=%s lines=%d ticks=%d rejected=%d games=%d",
		source, report.Lines, report.Ticks, len(report.Rejected), len(report.Games))
	return recon, report, nil
}

// LoadFile 打开并加载录制文件
func LoadFile(path string, opts Options) (*gamestate.Reconstructor, *LoadReport, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "open recording %s", path)
	}
	defer f.Close()
	return Load(f, path, opts)
}

func (r *LoadReport) reject(lineNo int, err error) {
	rl := RejectedLine{Line: lineNo, Reason: err.Error()}
	var fe *FieldError
	if errors.As(err, &fe) {
		rl.Field = fe.Field
	}
	r.Rejected = append(r.Rejected, rl)
	metrics.RecordingRejected.Add(1)
	log.Warnf("⚠️ 录制行被拒绝: source=%s line=%d field=%s err=%v", r.Source, lineNo, rl.Field, err)
}

// repairRejected 被拒绝的行会在记录里留下空槽：用最近的已知价格补齐，
// 使单个坏行不会让整局无法回放。文件本身缺失的 tick 不在此列，仍按空洞处理。
func repairRejected(recon *gamestate.Reconstructor, gameID string, indices []int) int {
	if len(indices) == 0 {
		return 0
	}
	rec, err := recon.Record(gameID)
	if err != nil {
		return 0
	}
	sort.Ints(indices)
	prices := rec.Prices()
	repaired := 0
	for _, idx := range indices {
		if idx >= len(prices) || prices[idx] != nil {
			continue
		}
		fill := nearestPrice(prices, idx)
		if fill == nil {
			continue
		}
		if res, err := rec.ApplyUpdate(idx, *fill); err == nil && res == gamestate.Applied {
			prices[idx] = fill
			repaired++
			log.Warnf("用邻近价格补齐坏行: game=%s tick=%d price=%s", gameID, idx, fill)
		}
	}
	return repaired
}

func nearestPrice(prices []*decimal.Decimal, idx int) *decimal.Decimal {
	for j := idx - 1; j >= 0; j-- {
		if prices[j] != nil {
			return prices[j]
		}
	}
	for j := idx + 1; j < len(prices); j++ {
		if prices[j] != nil {
			return prices[j]
		}
	}
	return nil
}
