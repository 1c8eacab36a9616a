package rqd

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cuemby/cueflow/pkg/errs"
	"github.com/cuemby/cueflow/pkg/log"
)

// snapshot on-disk format: a sequence of little-endian
// length-prefixed key/value records, terminated by a zero-length key.
//
//	record := uint16(keyLen) key[keyLen] byte(valueType) uint32(valueLen) value[valueLen]
//
// Unrecognized keys are skipped on read rather than failing the whole
// snapshot, so a future field can be added without breaking recovery of
// snapshots written by an older agent.
const (
	valString    byte = 1
	valInt32     byte = 2
	valInt64     byte = 3
	valBool      byte = 4
	valInt32List byte = 5
	valIntList   byte = 6
	valStrMap    byte = 7
)

func snapshotPath(dir, resourceID string) string {
	return filepath.Join(dir, resourceID+".bin")
}

// WriteSnapshot serializes frame to snapshots_path/<resource_id>.bin,
// written immediately after pid capture.
func WriteSnapshot(dir string, frame *RunningFrame) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errs.Wrap(errs.KindAborted, "create snapshots dir", err)
	}
	path := snapshotPath(dir, frame.ResourceID)
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return errs.Wrap(errs.KindAborted, "create snapshot file", err)
	}
	w := bufio.NewWriter(f)

	writeString(w, "resource_id", frame.ResourceID)
	writeString(w, "job_id", frame.JobID)
	writeString(w, "job_name", frame.JobName)
	writeString(w, "frame_id", frame.FrameID)
	writeString(w, "frame_name", frame.FrameName)
	writeString(w, "layer_id", frame.LayerID)
	writeString(w, "command", frame.Command)
	writeStrMap(w, "environment", frame.Environment)
	writeInt32(w, "uid", frame.UID)
	writeInt32(w, "gid", frame.GID)
	writeString(w, "os", frame.OS)
	writeBool(w, "ignore_nimby", frame.IgnoreNimby)
	writeInt32(w, "num_cores", frame.NumCores)
	writeInt32List(w, "thread_ids", frame.ThreadIDs)
	writeInt32(w, "num_gpus", frame.NumGPUs)
	writeIntList(w, "gpu_device_ids", frame.GPUDeviceIDs)
	writeInt64(w, "soft_memory_limit", frame.SoftMemoryLimit)
	writeInt64(w, "hard_memory_limit", frame.HardMemoryLimit)
	writeString(w, "log_path", frame.LogPath)
	writeString(w, "state", string(frame.State))
	writeInt32(w, "pid", frame.PID)
	writeInt32List(w, "lineage", frame.Lineage)
	startNano := int64(0)
	if !frame.StartTime.IsZero() {
		startNano = frame.StartTime.UnixNano()
	}
	writeInt64(w, "start_time_unix_nano", startNano)
	writeInt32(w, "exit_status", frame.ExitStatus)
	writeInt32(w, "exit_signal", frame.ExitSignal)
	writeBool(w, "kill_requested", frame.KillRequested)
	writeString(w, "container_id", frame.ContainerID)

	// zero-length key terminates the record stream
	var zero [2]byte
	w.Write(zero[:])

	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(tmp)
		return errs.Wrap(errs.KindAborted, "flush snapshot file", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return errs.Wrap(errs.KindAborted, "close snapshot file", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return errs.Wrap(errs.KindAborted, "rename snapshot file", err)
	}
	return nil
}

// RemoveSnapshot deletes the on-disk snapshot for resourceID, called once a
// frame has finished and its state no longer needs to survive a restart.
func RemoveSnapshot(dir, resourceID string) {
	_ = os.Remove(snapshotPath(dir, resourceID))
}

// ReadSnapshot deserializes one snapshot file back into a RunningFrame.
// A truncated or malformed record stream returns SnapshotInvalid.
func ReadSnapshot(path string) (*RunningFrame, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errs.Wrap(errs.KindAborted, "open snapshot file", err)
	}
	defer f.Close()
	r := bufio.NewReader(f)

	frame := &RunningFrame{Environment: map[string]string{}}
	var startNano int64

	for {
		key, val, typ, err := readRecord(r)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errs.Wrap(errs.KindSnapshotInvalid, "decode snapshot record", err)
		}
		if key == "" {
			break
		}
		switch key {
		case "resource_id":
			frame.ResourceID = val.(string)
		case "job_id":
			frame.JobID = val.(string)
		case "job_name":
			frame.JobName = val.(string)
		case "frame_id":
			frame.FrameID = val.(string)
		case "frame_name":
			frame.FrameName = val.(string)
		case "layer_id":
			frame.LayerID = val.(string)
		case "command":
			frame.Command = val.(string)
		case "environment":
			frame.Environment = val.(map[string]string)
		case "uid":
			frame.UID = val.(int32)
		case "gid":
			frame.GID = val.(int32)
		case "os":
			frame.OS = val.(string)
		case "ignore_nimby":
			frame.IgnoreNimby = val.(bool)
		case "num_cores":
			frame.NumCores = val.(int32)
		case "thread_ids":
			frame.ThreadIDs = val.([]int32)
		case "num_gpus":
			frame.NumGPUs = val.(int32)
		case "gpu_device_ids":
			frame.GPUDeviceIDs = val.([]int)
		case "soft_memory_limit":
			frame.SoftMemoryLimit = val.(int64)
		case "hard_memory_limit":
			frame.HardMemoryLimit = val.(int64)
		case "log_path":
			frame.LogPath = val.(string)
		case "state":
			frame.State = FrameState(val.(string))
		case "pid":
			frame.PID = val.(int32)
		case "lineage":
			frame.Lineage = val.([]int32)
		case "start_time_unix_nano":
			startNano = val.(int64)
		case "exit_status":
			frame.ExitStatus = val.(int32)
		case "exit_signal":
			frame.ExitSignal = val.(int32)
		case "kill_requested":
			frame.KillRequested = val.(bool)
		case "container_id":
			frame.ContainerID = val.(string)
		default:
			_ = typ // unknown key: skip, already consumed by readRecord
		}
	}

	if frame.ResourceID == "" {
		return nil, errs.New(errs.KindSnapshotInvalid, "snapshot missing resource_id")
	}
	if startNano != 0 {
		frame.StartTime = time.Unix(0, startNano)
	}
	return frame, nil
}

// RecoverSnapshots enumerates snapshots_path/*.bin at agent startup,
// deserializes each, re-reserves its cores (by thread_ids) and gpus, and
// re-registers it as Running in fm, attaching to the still-existing process
// lineage reported by isAlive. Unparseable snapshots are deleted.
func RecoverSnapshots(dir string, cores *CoreReservoir, gpus *GPUReservoir, fm *FrameManager, isAlive func(pid int32) bool) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errs.Wrap(errs.KindAborted, "list snapshots dir", err)
	}

	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".bin") {
			continue
		}
		path := filepath.Join(dir, e.Name())
		frame, err := ReadSnapshot(path)
		if err != nil {
			log.Logger.Warn().Err(err).Str("path", path).Msg("deleting unparseable frame snapshot")
			_ = os.Remove(path)
			continue
		}

		if !isAlive(frame.PID) {
			log.Logger.Info().Str("resource_id", frame.ResourceID).Msg("recovered frame process no longer alive, discarding snapshot")
			_ = os.Remove(path)
			continue
		}

		if len(frame.ThreadIDs) > 0 {
			if err := cores.ReserveThreadIDs(frame.ResourceID, frame.ThreadIDs); err != nil {
				log.Logger.Error().Err(err).Str("resource_id", frame.ResourceID).Msg("failed to re-reserve cores for recovered frame")
				continue
			}
		} else if frame.NumCores > 0 {
			if _, err := cores.Reserve(frame.ResourceID, int(frame.NumCores)); err != nil {
				log.Logger.Error().Err(err).Str("resource_id", frame.ResourceID).Msg("failed to re-reserve cores for recovered frame")
				continue
			}
		}
		if len(frame.GPUDeviceIDs) > 0 {
			if _, err := gpus.Reserve(frame.ResourceID, len(frame.GPUDeviceIDs), 0); err != nil {
				log.Logger.Error().Err(err).Str("resource_id", frame.ResourceID).Msg("failed to re-reserve gpus for recovered frame")
			}
		}

		frame.State = FrameRunning
		fm.Register(frame)
	}
	return nil
}

func writeRecordHeader(w *bufio.Writer, key string, typ byte, valueLen int) {
	var kl [2]byte
	binary.LittleEndian.PutUint16(kl[:], uint16(len(key)))
	w.Write(kl[:])
	w.WriteString(key)
	w.WriteByte(typ)
	var vl [4]byte
	binary.LittleEndian.PutUint32(vl[:], uint32(valueLen))
	w.Write(vl[:])
}

func writeString(w *bufio.Writer, key, val string) {
	writeRecordHeader(w, key, valString, len(val))
	w.WriteString(val)
}

func writeInt32(w *bufio.Writer, key string, val int32) {
	writeRecordHeader(w, key, valInt32, 4)
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(val))
	w.Write(b[:])
}

func writeInt64(w *bufio.Writer, key string, val int64) {
	writeRecordHeader(w, key, valInt64, 8)
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(val))
	w.Write(b[:])
}

func writeBool(w *bufio.Writer, key string, val bool) {
	writeRecordHeader(w, key, valBool, 1)
	if val {
		w.WriteByte(1)
	} else {
		w.WriteByte(0)
	}
}

func writeInt32List(w *bufio.Writer, key string, vals []int32) {
	writeRecordHeader(w, key, valInt32List, 4+4*len(vals))
	var n [4]byte
	binary.LittleEndian.PutUint32(n[:], uint32(len(vals)))
	w.Write(n[:])
	for _, v := range vals {
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], uint32(v))
		w.Write(b[:])
	}
}

func writeIntList(w *bufio.Writer, key string, vals []int) {
	writeRecordHeader(w, key, valIntList, 4+4*len(vals))
	var n [4]byte
	binary.LittleEndian.PutUint32(n[:], uint32(len(vals)))
	w.Write(n[:])
	for _, v := range vals {
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], uint32(int32(v)))
		w.Write(b[:])
	}
}

func writeStrMap(w *bufio.Writer, key string, m map[string]string) {
	var body strings.Builder
	var n [4]byte
	binary.LittleEndian.PutUint32(n[:], uint32(len(m)))
	body.Write(n[:])
	for k, v := range m {
		var kl, vl [4]byte
		binary.LittleEndian.PutUint32(kl[:], uint32(len(k)))
		binary.LittleEndian.PutUint32(vl[:], uint32(len(v)))
		body.Write(kl[:])
		body.WriteString(k)
		body.Write(vl[:])
		body.WriteString(v)
	}
	writeRecordHeader(w, key, valStrMap, body.Len())
	w.WriteString(body.String())
}

// readRecord reads one record from r, returning its key, decoded value
// (typed per the value-type tag), and raw type tag. A zero-length key with
// io.EOF not yet reached signals the stream terminator.
func readRecord(r *bufio.Reader) (key string, val interface{}, typ byte, err error) {
	var kl [2]byte
	if _, err = io.ReadFull(r, kl[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			err = io.EOF
		}
		return
	}
	keyLen := binary.LittleEndian.Uint16(kl[:])
	if keyLen == 0 {
		return "", nil, 0, nil
	}
	keyBuf := make([]byte, keyLen)
	if _, err = io.ReadFull(r, keyBuf); err != nil {
		return
	}
	key = string(keyBuf)

	typ, err = r.ReadByte()
	if err != nil {
		return
	}
	var vl [4]byte
	if _, err = io.ReadFull(r, vl[:]); err != nil {
		return
	}
	valLen := binary.LittleEndian.Uint32(vl[:])
	buf := make([]byte, valLen)
	if _, err = io.ReadFull(r, buf); err != nil {
		return
	}

	truncated := fmt.Errorf("truncated value for key %q", key)

	switch typ {
	case valString:
		val = string(buf)
	case valInt32:
		if len(buf) < 4 {
			return key, nil, typ, truncated
		}
		val = int32(binary.LittleEndian.Uint32(buf))
	case valInt64:
		if len(buf) < 8 {
			return key, nil, typ, truncated
		}
		val = int64(binary.LittleEndian.Uint64(buf))
	case valBool:
		val = len(buf) > 0 && buf[0] != 0
	case valInt32List:
		if len(buf) < 4 {
			return key, nil, typ, truncated
		}
		count := binary.LittleEndian.Uint32(buf[0:4])
		if uint32(len(buf)-4) < count*4 {
			return key, nil, typ, truncated
		}
		// An absent list writes count 0; decode it back to nil, not empty.
		var out []int32
		off := 4
		for i := uint32(0); i < count; i++ {
			out = append(out, int32(binary.LittleEndian.Uint32(buf[off:off+4])))
			off += 4
		}
		val = out
	case valIntList:
		if len(buf) < 4 {
			return key, nil, typ, truncated
		}
		count := binary.LittleEndian.Uint32(buf[0:4])
		if uint32(len(buf)-4) < count*4 {
			return key, nil, typ, truncated
		}
		var out []int
		off := 4
		for i := uint32(0); i < count; i++ {
			out = append(out, int(int32(binary.LittleEndian.Uint32(buf[off:off+4]))))
			off += 4
		}
		val = out
	case valStrMap:
		if len(buf) < 4 {
			return key, nil, typ, truncated
		}
		count := binary.LittleEndian.Uint32(buf[0:4])
		out := make(map[string]string, count)
		off := 4
		for i := uint32(0); i < count; i++ {
			if off+4 > len(buf) {
				return key, nil, typ, truncated
			}
			kl := int(binary.LittleEndian.Uint32(buf[off : off+4]))
			off += 4
			if off+kl > len(buf) {
				return key, nil, typ, truncated
			}
			k := string(buf[off : off+kl])
			off += kl
			if off+4 > len(buf) {
				return key, nil, typ, truncated
			}
			vl := int(binary.LittleEndian.Uint32(buf[off : off+4]))
			off += 4
			if off+vl > len(buf) {
				return key, nil, typ, truncated
			}
			v := string(buf[off : off+vl])
			off += vl
			out[k] = v
		}
		val = out
	default:
		err = fmt.Errorf("unknown snapshot value type %d for key %q", typ, key)
	}
	return
}
