package hostfunc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	"github.com/proxytap/proxytap/property"
)

// Instantiate registers the "env" host module on rt. Call it once per
// runtime, before instantiating guests. The functions carry no state of
// their own; each call reads its instance State from the context, so one
// env module serves concurrent instances.
func Instantiate(ctx context.Context, rt wazero.Runtime) error {
	b := rt.NewHostModuleBuilder("env")

	b.NewFunctionBuilder().WithFunc(proxyLog).
		WithParameterNames("level", "message_data", "message_size").
		Export("proxy_log")
	b.NewFunctionBuilder().WithFunc(proxyGetLogLevel).
		WithParameterNames("return_level").
		Export("proxy_get_log_level")
	b.NewFunctionBuilder().WithFunc(proxyGetCurrentTimeNanoseconds).
		WithParameterNames("return_time").
		Export("proxy_get_current_time_nanoseconds")
	b.NewFunctionBuilder().WithFunc(proxyGetConfiguration).
		WithParameterNames("return_slot").
		Export("proxy_get_configuration")

	b.NewFunctionBuilder().WithFunc(proxyGetHeaderMapPairs).
		WithParameterNames("map_type", "return_slot").
		Export("proxy_get_header_map_pairs")
	b.NewFunctionBuilder().WithFunc(proxySetHeaderMapPairs).
		WithParameterNames("map_type", "map_data", "map_size").
		Export("proxy_set_header_map_pairs")
	b.NewFunctionBuilder().WithFunc(proxyGetHeaderMapValue).
		WithParameterNames("map_type", "key_data", "key_size", "return_slot").
		Export("proxy_get_header_map_value")
	b.NewFunctionBuilder().WithFunc(proxyUpsertHeaderMapValue).
		WithParameterNames("map_type", "key_data", "key_size", "value_data", "value_size").
		Export("proxy_replace_header_map_value")
	b.NewFunctionBuilder().WithFunc(proxyUpsertHeaderMapValue).
		WithParameterNames("map_type", "key_data", "key_size", "value_data", "value_size").
		Export("proxy_add_header_map_value")
	b.NewFunctionBuilder().WithFunc(proxyRemoveHeaderMapValue).
		WithParameterNames("map_type", "key_data", "key_size").
		Export("proxy_remove_header_map_value")
	b.NewFunctionBuilder().WithFunc(proxyGetHeaderMapSize).
		WithParameterNames("map_type", "return_size").
		Export("proxy_get_header_map_size")

	b.NewFunctionBuilder().WithFunc(proxyGetBufferBytes).
		WithParameterNames("buffer_type", "start", "length", "return_slot").
		Export("proxy_get_buffer_bytes")
	b.NewFunctionBuilder().WithFunc(proxySetBufferBytes).
		WithParameterNames("buffer_type", "start", "length", "data", "size").
		Export("proxy_set_buffer_bytes")
	b.NewFunctionBuilder().WithFunc(proxyGetBufferStatus).
		WithParameterNames("buffer_type", "return_length", "return_flags").
		Export("proxy_get_buffer_status")

	b.NewFunctionBuilder().WithFunc(proxyGetProperty).
		WithParameterNames("path_data", "path_size", "return_slot").
		Export("proxy_get_property")
	b.NewFunctionBuilder().WithFunc(proxySetProperty).
		WithParameterNames("path_data", "path_size", "value_data", "value_size").
		Export("proxy_set_property")

	registerAcks(b)
	registerUnimplemented(b)

	if _, err := b.Instantiate(ctx); err != nil {
		return fmt.Errorf("instantiate env module: %w", err)
	}
	return nil
}

// writeResult fulfils the two-stage result contract: allocate payload
// memory in the guest, then write [u32 ptr][u32 len] into the 8-byte slot
// the guest named. Empty payloads zero the slot without allocating.
func writeResult(ctx context.Context, mod api.Module, s *State, slot uint32, data []byte) Status {
	mem := s.Memory(mod)
	ptr := uint32(0)
	if len(data) > 0 {
		p, err := mem.WriteBytes(ctx, data)
		if err != nil {
			return StatusInvalidMemoryAccess
		}
		ptr = p
	}
	if err := mem.WriteUint32(slot, ptr); err != nil {
		return StatusInvalidMemoryAccess
	}
	if err := mem.WriteUint32(slot+4, uint32(len(data))); err != nil {
		return StatusInvalidMemoryAccess
	}
	return StatusOK
}

func proxyLog(ctx context.Context, mod api.Module, level, msgData, msgSize uint32) uint32 {
	s, ok := StateFromContext(ctx)
	if !ok {
		return uint32(StatusInternalFailure)
	}
	if level > uint32(LogLevelCritical) {
		return uint32(StatusBadArgument)
	}
	msg, err := s.Memory(mod).ReadString(msgData, msgSize)
	if err != nil {
		return uint32(StatusInvalidMemoryAccess)
	}
	s.Log(LogLevel(level), msg)
	return uint32(StatusOK)
}

func proxyGetLogLevel(ctx context.Context, mod api.Module, returnLevel uint32) uint32 {
	s, ok := StateFromContext(ctx)
	if !ok {
		return uint32(StatusInternalFailure)
	}
	if err := s.Memory(mod).WriteUint32(returnLevel, uint32(s.MinLevel())); err != nil {
		return uint32(StatusInvalidMemoryAccess)
	}
	return uint32(StatusOK)
}

func proxyGetCurrentTimeNanoseconds(ctx context.Context, mod api.Module, returnTime uint32) uint32 {
	s, ok := StateFromContext(ctx)
	if !ok {
		return uint32(StatusInternalFailure)
	}
	if err := s.Memory(mod).WriteUint64(returnTime, uint64(time.Now().UnixNano())); err != nil {
		return uint32(StatusInvalidMemoryAccess)
	}
	return uint32(StatusOK)
}

// proxyGetConfiguration is the legacy (pre buffer-type) way to read the
// plugin configuration; old SDKs still import it.
func proxyGetConfiguration(ctx context.Context, mod api.Module, returnSlot uint32) uint32 {
	s, ok := StateFromContext(ctx)
	if !ok {
		return uint32(StatusInternalFailure)
	}
	cfg, _, _ := s.Buffer(BufferPluginConfig)
	return uint32(writeResult(ctx, mod, s, returnSlot, cfg))
}

func proxyGetHeaderMapPairs(ctx context.Context, mod api.Module, mapType, returnSlot uint32) uint32 {
	s, ok := StateFromContext(ctx)
	if !ok {
		return uint32(StatusInternalFailure)
	}
	m, ok := s.Map(MapType(mapType))
	if !ok {
		return uint32(StatusBadArgument)
	}
	return uint32(writeResult(ctx, mod, s, returnSlot, EncodeHeaderMap(m)))
}

func proxySetHeaderMapPairs(ctx context.Context, mod api.Module, mapType, mapData, mapSize uint32) uint32 {
	s, ok := StateFromContext(ctx)
	if !ok {
		return uint32(StatusInternalFailure)
	}
	m, ok := s.Map(MapType(mapType))
	if !ok {
		return uint32(StatusBadArgument)
	}
	data, err := s.Memory(mod).ReadBytes(mapData, mapSize)
	if err != nil {
		return uint32(StatusInvalidMemoryAccess)
	}
	decoded, err := DecodeHeaderMap(data)
	if err != nil {
		s.Logger().Debug("reject malformed header map from guest", zap.Error(err))
		return uint32(StatusSerializationFailure)
	}
	m.replaceAll(decoded.entries)
	return uint32(StatusOK)
}

func proxyGetHeaderMapValue(ctx context.Context, mod api.Module, mapType, keyData, keySize, returnSlot uint32) uint32 {
	s, ok := StateFromContext(ctx)
	if !ok {
		return uint32(StatusInternalFailure)
	}
	m, ok := s.Map(MapType(mapType))
	if !ok {
		return uint32(StatusBadArgument)
	}
	key, err := s.Memory(mod).ReadString(keyData, keySize)
	if err != nil {
		return uint32(StatusInvalidMemoryAccess)
	}
	val, found := m.Get(key)
	if !found {
		if st := writeResult(ctx, mod, s, returnSlot, nil); st != StatusOK {
			return uint32(st)
		}
		return uint32(StatusNotFound)
	}
	return uint32(writeResult(ctx, mod, s, returnSlot, []byte(val)))
}

// proxyUpsertHeaderMapValue backs both replace and add: the header maps
// keep keys unique, so adding an existing key overwrites it.
func proxyUpsertHeaderMapValue(ctx context.Context, mod api.Module, mapType, keyData, keySize, valData, valSize uint32) uint32 {
	s, ok := StateFromContext(ctx)
	if !ok {
		return uint32(StatusInternalFailure)
	}
	m, ok := s.Map(MapType(mapType))
	if !ok {
		return uint32(StatusBadArgument)
	}
	mem := s.Memory(mod)
	key, err := mem.ReadString(keyData, keySize)
	if err != nil {
		return uint32(StatusInvalidMemoryAccess)
	}
	if key == "" {
		return uint32(StatusBadArgument)
	}
	val, err := mem.ReadString(valData, valSize)
	if err != nil {
		return uint32(StatusInvalidMemoryAccess)
	}
	m.Set(key, val)
	return uint32(StatusOK)
}

func proxyRemoveHeaderMapValue(ctx context.Context, mod api.Module, mapType, keyData, keySize uint32) uint32 {
	s, ok := StateFromContext(ctx)
	if !ok {
		return uint32(StatusInternalFailure)
	}
	m, ok := s.Map(MapType(mapType))
	if !ok {
		return uint32(StatusBadArgument)
	}
	key, err := s.Memory(mod).ReadString(keyData, keySize)
	if err != nil {
		return uint32(StatusInvalidMemoryAccess)
	}
	m.Del(key)
	return uint32(StatusOK)
}

func proxyGetHeaderMapSize(ctx context.Context, mod api.Module, mapType, returnSize uint32) uint32 {
	s, ok := StateFromContext(ctx)
	if !ok {
		return uint32(StatusInternalFailure)
	}
	m, ok := s.Map(MapType(mapType))
	if !ok {
		return uint32(StatusBadArgument)
	}
	if err := s.Memory(mod).WriteUint32(returnSize, uint32(len(EncodeHeaderMap(m)))); err != nil {
		return uint32(StatusInvalidMemoryAccess)
	}
	return uint32(StatusOK)
}

func proxyGetBufferBytes(ctx context.Context, mod api.Module, bufType, start, length, returnSlot uint32) uint32 {
	s, ok := StateFromContext(ctx)
	if !ok {
		return uint32(StatusInternalFailure)
	}
	buf, _, ok := s.Buffer(BufferType(bufType))
	if !ok {
		return uint32(StatusBadArgument)
	}
	if uint64(start) > uint64(len(buf)) {
		return uint32(StatusBadArgument)
	}
	end := uint64(start) + uint64(length)
	if end > uint64(len(buf)) {
		end = uint64(len(buf))
	}
	return uint32(writeResult(ctx, mod, s, returnSlot, buf[start:end]))
}

func proxySetBufferBytes(ctx context.Context, mod api.Module, bufType, start, length, data, size uint32) uint32 {
	s, ok := StateFromContext(ctx)
	if !ok {
		return uint32(StatusInternalFailure)
	}
	buf, readOnly, ok := s.Buffer(BufferType(bufType))
	if !ok || readOnly {
		return uint32(StatusBadArgument)
	}
	if uint64(start) > uint64(len(buf)) {
		return uint32(StatusBadArgument)
	}
	repl, err := s.Memory(mod).ReadBytes(data, size)
	if err != nil {
		return uint32(StatusInvalidMemoryAccess)
	}
	end := uint64(start) + uint64(length)
	if end > uint64(len(buf)) {
		end = uint64(len(buf))
	}
	next := make([]byte, 0, uint64(start)+uint64(len(repl))+uint64(len(buf))-end)
	next = append(next, buf[:start]...)
	next = append(next, repl...)
	next = append(next, buf[end:]...)
	s.SetBuffer(BufferType(bufType), next)
	return uint32(StatusOK)
}

func proxyGetBufferStatus(ctx context.Context, mod api.Module, bufType, returnLength, returnFlags uint32) uint32 {
	s, ok := StateFromContext(ctx)
	if !ok {
		return uint32(StatusInternalFailure)
	}
	buf, _, ok := s.Buffer(BufferType(bufType))
	if !ok {
		return uint32(StatusBadArgument)
	}
	mem := s.Memory(mod)
	if err := mem.WriteUint32(returnLength, uint32(len(buf))); err != nil {
		return uint32(StatusInvalidMemoryAccess)
	}
	if err := mem.WriteUint32(returnFlags, 0); err != nil {
		return uint32(StatusInvalidMemoryAccess)
	}
	return uint32(StatusOK)
}

func proxyGetProperty(ctx context.Context, mod api.Module, pathData, pathSize, returnSlot uint32) uint32 {
	s, ok := StateFromContext(ctx)
	if !ok {
		return uint32(StatusInternalFailure)
	}
	path, err := s.Memory(mod).ReadString(pathData, pathSize)
	if err != nil {
		return uint32(StatusInvalidMemoryAccess)
	}
	v, found := s.Resolver().Resolve(path)
	if !found {
		if st := writeResult(ctx, mod, s, returnSlot, nil); st != StatusOK {
			return uint32(st)
		}
		return uint32(StatusNotFound)
	}
	return uint32(writeResult(ctx, mod, s, returnSlot, valueBytes(v)))
}

func proxySetProperty(ctx context.Context, mod api.Module, pathData, pathSize, valData, valSize uint32) uint32 {
	s, ok := StateFromContext(ctx)
	if !ok {
		return uint32(StatusInternalFailure)
	}
	mem := s.Memory(mod)
	path, err := mem.ReadString(pathData, pathSize)
	if err != nil {
		return uint32(StatusInvalidMemoryAccess)
	}
	val, err := mem.ReadString(valData, valSize)
	if err != nil {
		return uint32(StatusInvalidMemoryAccess)
	}

	if err := s.Resolver().Set(path, val, s.HookContext()); err != nil {
		var ae *property.AccessError
		if errors.As(err, &ae) {
			s.Log(LogLevelWarn, fmt.Sprintf("property write denied: %s=%q in %s: %s",
				ae.Path, val, ae.Context, ae.Reason))
			s.Logger().Warn("property write denied",
				zap.String("path", ae.Path),
				zap.Stringer("context", ae.Context),
				zap.String("reason", ae.Reason))
		}
		return uint32(StatusBadArgument)
	}
	if property.IsLogSink(path) {
		s.Log(LogLevelInfo, val)
	}
	return uint32(StatusOK)
}

/// valueBytes is how property values cross the ABI: strings and bytes as-is,
// numbers in decimal, bools as true/false, anything structured as JSON.
func valueBytes(v any) []byte {
	switch t := v.(type) {
	case nil:
		return nil
	case string:
		return []byte(t)
	case []byte:
		return t
	case bool:
		return strconv.AppendBool(nil, t)
	case int:
		return strconv.AppendInt(nil, int64(t), 10)
	case int32:
		return strconv.AppendInt(nil, int64(t), 10)
	case int64:
		return strconv.AppendInt(nil, t, 10)
	case uint32:
		return strconv.AppendUint(nil, uint64(t), 10)
	case uint64:
		return strconv.AppendUint(nil, t, 10)
	case float32:
		return strconv.AppendFloat(nil, float64(t), 'f', -1, 32)
	case float64:
		return strconv.AppendFloat(nil, t, 'f', -1, 64)
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return []byte(fmt.Sprint(t))
		}
		return b
	}
}
