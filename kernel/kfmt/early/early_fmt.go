// Package early provides a minimal Printf usable before the Go runtime and
// the rest of kfmt's ring-buffer machinery are available: the earliest
// boot diagnostics (the bootstrap frame allocator's memory map dump) go
// through here, one byte at a time, via the SBI legacy console.
package early

import "k23/kernel/hal/riscv64"

var (
	errMissingArg   = []byte("(MISSING)")
	errWrongArgType = []byte("%!(WRONGTYPE)")
	errNoVerb       = []byte("%!(NOVERB)")
	errExtraArg     = []byte("%!(EXTRA)")
	padding         = byte(' ')
	trueValue       = []byte("true")
	falseValue      = []byte("false")

	// putcharFn is overridden in tests to capture output without going
	// through a real SBI call.
	putcharFn = riscv64.ConsolePutchar
)

func writeByte(b byte) { putcharFn(b) }

func writeBytes(b []byte) {
	for _, c := range b {
		putcharFn(c)
	}
}

// Printf provides a minimal Printf implementation that can be used before
// the Go runtime's own allocator-backed formatting is safe to call. It does
// not allocate and writes one byte at a time through the SBI console.
//
// Supported verbs: %s (string or []byte), %d/%o/%x (integers, all built-in
// signed/unsigned widths), %t (bool). An optional decimal width may precede
// the verb; strings and base-10 integers pad with spaces, base-16/base-8
// integers pad with zeroes.
func Printf(format string, args ...interface{}) {
	var (
		nextCh                       byte
		nextArgIndex                 int
		blockStart, blockEnd, padLen int
		fmtLen                       = len(format)
	)

	for blockEnd < fmtLen {
		nextCh = format[blockEnd]
		if nextCh != '%' {
			blockEnd++
			continue
		}

		if blockStart < blockEnd {
			for i := blockStart; i < blockEnd; i++ {
				writeByte(format[i])
			}
		}

		padLen = 0
		blockEnd++
	parseFmt:
		for ; blockEnd < fmtLen; blockEnd++ {
			nextCh = format[blockEnd]
			switch {
			case nextCh == '%':
				writeByte('%')
				break parseFmt
			case nextCh >= '0' && nextCh <= '9':
				padLen = (padLen * 10) + int(nextCh-'0')
				continue
			case nextCh == 'd' || nextCh == 'x' || nextCh == 'o' || nextCh == 's' || nextCh == 't':
				if nextArgIndex >= len(args) {
					writeBytes(errMissingArg)
					break parseFmt
				}

				switch nextCh {
				case 'o':
					fmtInt(args[nextArgIndex], 8, padLen)
				case 'd':
					fmtInt(args[nextArgIndex], 10, padLen)
				case 'x':
					fmtInt(args[nextArgIndex], 16, padLen)
				case 's':
					fmtString(args[nextArgIndex], padLen)
				case 't':
					fmtBool(args[nextArgIndex])
				}

				nextArgIndex++
				break parseFmt
			default:
				writeBytes(errNoVerb)
				break parseFmt
			}
		}
		blockStart, blockEnd = blockEnd+1, blockEnd+1
	}

	if blockStart != blockEnd {
		for i := blockStart; i < blockEnd; i++ {
			writeByte(format[i])
		}
	}

	for ; nextArgIndex < len(args); nextArgIndex++ {
		writeBytes(errExtraArg)
	}
}

func fmtBool(v interface{}) {
	switch bVal := v.(type) {
	case bool:
		if bVal {
			writeBytes(trueValue)
		} else {
			writeBytes(falseValue)
		}
	default:
		writeBytes(errWrongArgType)
	}
}

func fmtString(v interface{}, padLen int) {
	switch castedVal := v.(type) {
	case string:
		fmtRepeat(padding, padLen-len(castedVal))
		writeBytes([]byte(castedVal))
	case []byte:
		fmtRepeat(padding, padLen-len(castedVal))
		writeBytes(castedVal)
	default:
		writeBytes(errWrongArgType)
	}
}

func fmtRepeat(ch byte, count int) {
	for i := 0; i < count; i++ {
		writeByte(ch)
	}
}

func fmtInt(v interface{}, base, padLen int) {
	var (
		sval             int64
		uval             uint64
		divider          uint64
		remainder        uint64
		buf              [20]byte
		padCh            byte
		left, right, end int
	)

	switch base {
	case 8:
		divider, padCh = 8, '0'
	case 10:
		divider, padCh = 10, ' '
	case 16:
		divider, padCh = 16, '0'
	}

	switch tv := v.(type) {
	case uint8:
		uval = uint64(tv)
	case uint16:
		uval = uint64(tv)
	case uint32:
		uval = uint64(tv)
	case uint64:
		uval = tv
	case uintptr:
		uval = uint64(tv)
	case int8:
		sval = int64(tv)
	case int16:
		sval = int64(tv)
	case int32:
		sval = int64(tv)
	case int64:
		sval = tv
	case int:
		sval = int64(tv)
	default:
		writeBytes(errWrongArgType)
		return
	}

	if sval < 0 {
		uval = uint64(-sval)
	} else if sval > 0 {
		uval = uint64(sval)
	}

	for {
		remainder = uval % divider
		if remainder < 10 {
			buf[right] = byte(remainder) + '0'
		} else {
			buf[right] = byte(remainder-10) + 'a'
		}
		right++

		uval /= divider
		if uval == 0 {
			break
		}
	}

	for ; right-left < padLen; right++ {
		buf[right] = padCh
	}

	if base == 16 {
		buf[right] = 'x'
		buf[right+1] = '0'
		right += 2
	}

	if sval < 0 {
		for end = right - 1; buf[end] == ' '; end-- {
		}
		if end == right-1 {
			right++
		}
		buf[end+1] = '-'
	}

	end = right
	for right = right - 1; left < right; left, right = left+1, right-1 {
		buf[left], buf[right] = buf[right], buf[left]
	}

	writeBytes(buf[0:end])
}
