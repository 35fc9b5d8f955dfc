package amf

import "math"

// FlvHeaderSize is the fixed FLV file header plus the leading
// previous-tag-size(0) field that precedes the first real tag.
const FlvHeaderSize = 13

// CompileOffsets is the pure function the FLV parser delegates to:
// given the decoded onMetaData blob and a requested seek window, it
// returns the period count, the byte range to serve, the start/stop
// times after clamping to [0, duration] (they are not snapped to
// keyframe times), and the per-period byte offsets table used for
// play-ahead throttling.
//
// This has the same (blob, period, start, stop, spatial, file_length)
// -> (periods, file_offset, file_finish, start, stop, offsets[]) shape
// as the embedded scripting collaborator, without a scripting
// dependency. The spatial argument is not read: start and stop are
// always taken as seconds, never as byte offsets.
func CompileOffsets(blob []byte, period, start, stop float64, spatial bool, fileLength int64) (periods int, fileOffset, fileFinish int64, newStart, newStop float64, offsets []int64, err error) {
	meta, _, derr := DecodeValue(blob)
	if derr != nil {
		return 0, 0, 0, 0, 0, nil, derr
	}
	obj, _ := meta.(map[string]Value)

	duration := floatField(obj, "duration")
	if duration <= 0 {
		duration = 0
	}

	times, positions := keyframeTables(obj)

	if stop <= 0 || stop > duration {
		stop = duration
	}
	if start < 0 {
		start = 0
	}
	if start > stop {
		start = stop
	}

	if period <= 0 {
		period = 1.0
	}
	periods = int(math.Ceil((stop-start)/period)) + 1
	if periods < 1 {
		periods = 1
	}

	offsets = make([]int64, periods)
	for i := 0; i < periods; i++ {
		t := start + float64(i)*period
		if t > stop {
			t = stop
		}
		offsets[i] = positionAt(times, positions, t, fileLength)
	}

	fileOffset = positionAt(times, positions, start, fileLength)
	if stop >= duration {
		fileFinish = fileLength
	} else {
		fileFinish = positionAt(times, positions, stop, fileLength)
	}

	newStart = start
	newStop = stop
	return periods, fileOffset, fileFinish, newStart, newStop, offsets, nil
}

func floatField(obj map[string]Value, key string) float64 {
	if obj == nil {
		return 0
	}
	if v, ok := obj[key].(float64); ok {
		return v
	}
	return 0
}

// keyframeTables extracts the parallel "keyframes.times" /
// "keyframes.filepositions" arrays most encoders embed in onMetaData.
func keyframeTables(obj map[string]Value) (times, positions []float64) {
	if obj == nil {
		return nil, nil
	}
	kf, ok := obj["keyframes"].(map[string]Value)
	if !ok {
		return nil, nil
	}
	return asFloat64Slice(kf["times"]), asFloat64Slice(kf["filepositions"])
}

// positionAt returns the file byte offset of the keyframe at or
// immediately preceding time t. With no keyframe table, it falls back
// to the structural minimum (the FLV header) at t==0 and the file
// length otherwise, which keeps the fallback path well-defined without
// a native keyframe index.
func positionAt(times, positions []float64, t float64, fileLength int64) int64 {
	if len(times) == 0 || len(times) != len(positions) {
		if t <= 0 {
			return FlvHeaderSize
		}
		return fileLength
	}
	best := positions[0]
	for i, tt := range times {
		if tt > t {
			break
		}
		best = positions[i]
	}
	return int64(best)
}
