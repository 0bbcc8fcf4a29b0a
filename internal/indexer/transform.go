package indexer

import (
	"time"

	"github.com/ethereum/go-ethereum/core/types"

	"poolwatch/internal/dex"
	"poolwatch/internal/model"
)

// enrichment carries the optional lookups layered over a decoded log.
type enrichment struct {
	sender         string
	recipient      string
	tokenSymbol    string
	blockTimestamp uint64
}

func buildEvent(log types.Log, decoded *dex.Decoded, extra enrichment, occurredAt time.Time) model.Event {
	fields := model.EventFields{
		ContractAddress:   log.Address.Hex(),
		EventKind:         decoded.Kind,
		BlockNumber:       log.BlockNumber,
		BlockHash:         log.BlockHash.Hex(),
		BlockTimestamp:    extra.blockTimestamp,
		TxHash:            log.TxHash.Hex(),
		TxIndex:           uint64(log.TxIndex),
		LogIndex:          uint64(log.Index),
		DecodedArgs:       decoded.Args,
		ObservedSender:    decoded.Sender.Hex(),
		ObservedRecipient: decoded.Recipient.Hex(),
		TokenSymbol:       extra.tokenSymbol,
		OccurredAt:        occurredAt.UTC(),
	}
	if extra.sender != "" {
		fields.ObservedSender = extra.sender
	}
	if extra.recipient != "" {
		fields.ObservedRecipient = extra.recipient
	}

	if decoded.Source == dex.SourceHelper {
		return model.ExchangeHelperEvent{EventFields: fields}
	}
	return model.PoolEvent{EventFields: fields}
}

func buildDecodeError(log types.Log, source string, err error) model.DecodeError {
	topic0 := ""
	if len(log.Topics) > 0 {
		topic0 = log.Topics[0].Hex()
	}
	return model.DecodeError{
		BlockNumber: log.BlockNumber,
		TxHash:      log.TxHash.Hex(),
		LogIndex:    uint64(log.Index),
		Address:     log.Address.Hex(),
		Topic0:      topic0,
		Source:      source,
		Error:       err.Error(),
	}
}
