package dispatch

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/23skdu/longbow-permute/internal/logger"
)

// BlockServer serves published expert blocks over Arrow Flight. A DoGet
// ticket is the expert id in decimal.
type BlockServer struct {
	flight.BaseFlightServer

	mu     sync.RWMutex
	blocks map[int32]arrow.Record

	srv flight.Server
}

func NewBlockServer() *BlockServer {
	return &BlockServer{blocks: make(map[int32]arrow.Record)}
}

// Publish replaces the served block set.
func (s *BlockServer) Publish(blocks []Block, hidden int) error {
	mem := memory.NewGoAllocator()
	recs := make(map[int32]arrow.Record, len(blocks))
	for _, b := range blocks {
		rec, err := BlockToRecord(mem, b, hidden)
		if err != nil {
			for _, r := range recs {
				r.Release()
			}
			return fmt.Errorf("encode block for expert %d: %w", b.Expert, err)
		}
		recs[b.Expert] = rec
	}

	s.mu.Lock()
	old := s.blocks
	s.blocks = recs
	s.mu.Unlock()
	for _, r := range old {
		r.Release()
	}
	return nil
}

// Start binds the listener and serves in the background. Use addr
// "127.0.0.1:0" to pick a free port, then Addr to discover it.
func (s *BlockServer) Start(addr string) error {
	s.srv = flight.NewServerWithMiddleware(nil)
	if err := s.srv.Init(addr); err != nil {
		return fmt.Errorf("bind flight listener on %s: %w", addr, err)
	}
	s.srv.RegisterFlightService(s)
	go func() {
		if err := s.srv.Serve(); err != nil {
			logger.Log.Error("block server stopped", "error", err)
		}
	}()
	logger.Log.Info("serving expert blocks", "addr", s.srv.Addr().String())
	return nil
}

func (s *BlockServer) Addr() string {
	return s.srv.Addr().String()
}

func (s *BlockServer) Shutdown() {
	if s.srv != nil {
		s.srv.Shutdown()
	}
	s.mu.Lock()
	for _, r := range s.blocks {
		r.Release()
	}
	s.blocks = make(map[int32]arrow.Record)
	s.mu.Unlock()
}

func (s *BlockServer) DoGet(tkt *flight.Ticket, fs flight.FlightService_DoGetServer) error {
	expert, err := strconv.Atoi(string(tkt.GetTicket()))
	if err != nil {
		return fmt.Errorf("bad ticket %q: %w", tkt.GetTicket(), err)
	}

	s.mu.RLock()
	rec, ok := s.blocks[int32(expert)]
	if ok {
		rec.Retain()
	}
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no block published for expert %d", expert)
	}
	defer rec.Release()

	w := flight.NewRecordWriter(fs, ipc.WithSchema(rec.Schema()))
	defer w.Close()
	if err := w.Write(rec); err != nil {
		return fmt.Errorf("stream block for expert %d: %w", expert, err)
	}
	return nil
}

// BlockClient fetches expert blocks from a BlockServer.
type BlockClient struct {
	c flight.Client
}

func DialBlockServer(addr string) (*BlockClient, error) {
	c, err := flight.NewClientWithMiddleware(addr, nil, nil,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("dial block server at %s: %w", addr, err)
	}
	return &BlockClient{c: c}, nil
}

func (bc *BlockClient) Close() error {
	return bc.c.Close()
}

// FetchExpert pulls one expert's block.
func (bc *BlockClient) FetchExpert(ctx context.Context, expert int32) (Block, error) {
	stream, err := bc.c.DoGet(ctx, &flight.Ticket{Ticket: []byte(strconv.Itoa(int(expert)))})
	if err != nil {
		return Block{}, fmt.Errorf("doget expert %d: %w", expert, err)
	}
	rdr, err := flight.NewRecordReader(stream)
	if err != nil {
		return Block{}, fmt.Errorf("open record stream for expert %d: %w", expert, err)
	}
	defer rdr.Release()
	if !rdr.Next() {
		if err := rdr.Err(); err != nil {
			return Block{}, err
		}
		return Block{}, fmt.Errorf("expert %d stream held no record", expert)
	}
	return RecordToBlock(rdr.Record())
}
