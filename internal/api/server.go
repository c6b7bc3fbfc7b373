package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/betbot/rugreplay/internal/domain"
	"github.com/betbot/rugreplay/internal/gamestate"
	"github.com/betbot/rugreplay/internal/ledger"
	"github.com/betbot/rugreplay/internal/replay"
)

var log = logrus.WithField("component", "api")

// maxTicksPerRequest 单次请求最多返回的 tick 数
const maxTicksPerRequest = 5000

// View 控制循环每个周期发布的只读视图
type View struct {
	Replay    replay.Snapshot `json:"replay"`
	Ledger    ledger.Snapshot `json:"ledger"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Board 控制循环写、HTTP 读的快照板（无锁）
type Board struct {
	v atomic.Pointer[View]
}

// Publish 发布新视图（控制循环上调用）
func (b *Board) Publish(v View) {
	if v.UpdatedAt.IsZero() {
		v.UpdatedAt = time.Now()
	}
	b.v.Store(&v)
}

// Current 最近一次发布的视图
func (b *Board) Current() (View, bool) {
	p := b.v.Load()
	if p == nil {
		return View{}, false
	}
	return *p, true
}

// Games 内存里的游戏记录（*gamestate.Reconstructor）
type Games interface {
	Games() []string
	Record(gameID string) (*gamestate.Record, error)
}

// Archive 已归档的游戏（*archive.Store），可为 nil
type Archive interface {
	List() ([]string, error)
	Load(gameID string) (*gamestate.Record, error)
}

// Server HTTP 接口：快照、游戏记录，启用后还有回放/账本控制与远程自动化
type Server struct {
	board   *Board
	games   Games
	archive Archive
	ctrl    Controller
	remote  Remote
	srv     *http.Server
}

// NewServer 创建只读服务；archive 可为 nil。写操作见 WithControl / WithRemote。
func NewServer(board *Board, games Games, archive Archive) *Server {
	return &Server{board: board, games: games, archive: archive}
}

// Router 路由
func (s *Server) Router() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusOK) })

	api := r.Group("/api")
	api.GET("/snapshot", s.handleSnapshot)
	api.GET("/games", s.handleGames)
	api.GET("/games/:id", s.handleGame)
	s.routeControl(api)
	return r
}

func (s *Server) handleSnapshot(c *gin.Context) {
	v, ok := s.board.Current()
	if !ok {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no snapshot yet"})
		return
	}
	c.JSON(http.StatusOK, v)
}

type gameSummary struct {
	GameID    string          `json:"game_id"`
	Source    string          `json:"source"` // memory | archive
	Length    int             `json:"length,omitempty"`
	Finalized bool            `json:"finalized"`
	Gaps      int             `json:"gaps"`
	RugIndex  int             `json:"rug_index"`
	Meta      domain.GameMeta `json:"meta"`
}

func summarize(rec *gamestate.Record, source string) gameSummary {
	return gameSummary{
		GameID:    rec.GameID(),
		Source:    source,
		Length:    rec.Len(),
		Finalized: rec.Finalized(),
		Gaps:      len(rec.Gaps()),
		RugIndex:  rec.RugIndex(),
		Meta:      rec.Meta(),
	}
}

func (s *Server) handleGames(c *gin.Context) {
	out := make([]gameSummary, 0)
	seen := make(map[string]bool)
	for _, id := range s.games.Games() {
		rec, err := s.games.Record(id)
		if err != nil {
			continue
		}
		seen[id] = true
		out = append(out, summarize(rec, "memory"))
	}
	if s.archive != nil {
		ids, err := s.archive.List()
		if err != nil {
			log.Warnf("读取归档列表失败: %v", err)
		}
		for _, id := range ids {
			if seen[id] {
				continue
			}
			out = append(out, gameSummary{GameID: id, Source: "archive", Finalized: true, RugIndex: -1})
		}
	}
	c.JSON(http.StatusOK, gin.H{"games": out})
}

// lookup 先查内存，再查归档
func (s *Server) lookup(id string) (*gamestate.Record, string, error) {
	rec, err := s.games.Record(id)
	if err == nil {
		return rec, "memory", nil
	}
	if s.archive != nil {
		if rec, aerr := s.archive.Load(id); aerr == nil {
			return rec, "archive", nil
		}
	}
	return nil, "", err
}

func (s *Server) handleGame(c *gin.Context) {
	id := c.Param("id")
	rec, source, err := s.lookup(id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	resp := gin.H{"game": summarize(rec, source)}
	if c.Query("ticks") != "" {
		from, _ := strconv.Atoi(c.DefaultQuery("from", "0"))
		to, _ := strconv.Atoi(c.DefaultQuery("to", strconv.Itoa(rec.Len())))
		if from < 0 || to < from {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid range"})
			return
		}
		if to > rec.Len() {
			to = rec.Len()
		}
		if to-from > maxTicksPerRequest {
			to = from + maxTicksPerRequest
		}
		ticks, err := rec.Range(from, to).Collect()
		if err != nil {
			var gap *gamestate.GapError
			if errors.As(err, &gap) {
				resp["gap"] = gap.Index
			} else {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
		}
		resp["ticks"] = ticks
	}
	c.JSON(http.StatusOK, resp)
}

// Start 非阻塞启动，ctx 结束时优雅关闭
func (s *Server) Start(ctx context.Context, listenAddr string) (net.Addr, error) {
	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return nil, err
	}
	s.srv = &http.Server{Handler: s.Router(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("API 服务异常退出: %v", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.srv.Shutdown(shutdownCtx)
	}()
	log.Infof("✅ API 服务已启动: http://%s", ln.Addr())
	return ln.Addr(), nil
}
