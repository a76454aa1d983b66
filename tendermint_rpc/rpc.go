package tendermint_rpc

import (
	"context"
	"errors"
	"fmt"

	"github.com/tendermint/tendermint/libs/log"
	rpchttp "github.com/tendermint/tendermint/rpc/client/http"
	core_types "github.com/tendermint/tendermint/rpc/core/types"

	"github.com/chainpoint/chainpoint-txwatch/stream"
	"github.com/chainpoint/chainpoint-txwatch/types"
	"github.com/chainpoint/chainpoint-txwatch/util"
)

// BlockClient is the slice of the tendermint RPC client the watcher reads from
type BlockClient interface {
	Status() (*core_types.ResultStatus, error)
	Block(height *int64) (*core_types.ResultBlock, error)
}

// RPC : hold abstract http client for mocking purposes
type RPC struct {
	client BlockClient
	logger log.Logger
}

// NewRPCClient : Creates a new client connected to a tendermint instance at web socket "tendermintRPC"
func NewRPCClient(tendermintRPC types.SourceConfig, logger log.Logger) (*RPC, error) {
	c, err := rpchttp.NewWithTimeout(fmt.Sprintf("http://%s:%s", tendermintRPC.TMServer, tendermintRPC.TMPort), "/websocket", 2)
	if err != nil {
		return nil, err
	}
	return NewRPC(c, logger), nil
}

// NewRPC wraps an existing client
func NewRPC(client BlockClient, logger log.Logger) *RPC {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &RPC{
		client: client,
		logger: logger,
	}
}

//LogError : log tendermintRpc errors
func (rpc *RPC) LogError(err error) error {
	return util.LoggerError(rpc.logger, err)
}

// GetStatus retrieves status of our node.
func (rpc *RPC) GetStatus() (core_types.ResultStatus, error) {
	if rpc == nil {
		return core_types.ResultStatus{}, errors.New("tendermintRpc failure")
	}
	status, err := rpc.client.Status()
	if rpc.LogError(err) != nil {
		return core_types.ResultStatus{}, err
	}
	return *status, err
}

// Open serves committed blocks as a notification window. The sequence number is
// the block height: every tx in block h is reported at h, then a batch boundary
// at h+1. Length caps the number of blocks in the window, which ends at the
// latest height known when it was opened.
func (rpc *RPC) Open(ctx context.Context, req types.BatchInfoRequest) (stream.Stream, error) {
	status, err := rpc.GetStatus()
	if err != nil {
		return nil, err
	}
	first := int64(req.StartOrZero())
	if first < 1 {
		first = 1
	}
	last := status.SyncInfo.LatestBlockHeight
	if req.Length > 0 && first+int64(req.Length)-1 < last {
		last = first + int64(req.Length) - 1
	}
	rpc.logger.Debug("Opening block window", "from", first, "to", last)
	return stream.NewChanStream(ctx, func(ctx context.Context, emit stream.Emit) {
		for height := first; height <= last; height++ {
			h := height
			block, err := rpc.client.Block(&h)
			if rpc.LogError(err) != nil {
				emit(stream.Err(fmt.Errorf("block %d: %w", h, err)))
				return
			}
			for _, item := range BlockItems(block) {
				if !emit(stream.Ok(item)) {
					return
				}
			}
		}
	}, nil), nil
}

// BlockItems maps one committed block onto notification items
func BlockItems(block *core_types.ResultBlock) []types.UpdateItem {
	if block == nil || block.Block == nil {
		return nil
	}
	height := types.SequenceNumber(block.Block.Height)
	items := make([]types.UpdateItem, 0, len(block.Block.Data.Txs)+1)
	for _, tx := range block.Block.Data.Txs {
		items = append(items, types.TransactionItem(height, types.DigestOf(tx)))
	}
	return append(items, types.BatchItem(height+1))
}
