package vm

import (
	verr "tala/internal/errors"
)

// Hook delivery
// =============
//
// The interpreter checks the hook mask between instructions; count and
// line hooks fire there, call and return hooks fire from the call
// machinery. A hook runs with hooks disabled (no reentry) and may
// raise, which unwinds exactly like any runtime error at that
// instruction.

// hookEvent delivers a call/return event if enabled.
func (s *State) hookEvent(ev HookEvent) *verr.Error {
	if s.hookFn == nil {
		return nil
	}
	switch ev {
	case HookCall, HookTailCall:
		if s.hookMask&MaskCall == 0 {
			return nil
		}
	case HookRet:
		if s.hookMask&MaskRet == 0 {
			return nil
		}
	default:
		return nil
	}
	return s.fireHook(ev, s.currentLine())
}

// instructionHook delivers count/line events between instructions.
func (s *State) instructionHook(line int) *verr.Error {
	if s.hookMask&MaskCount != 0 {
		s.hookCounter--
		if s.hookCounter <= 0 {
			s.hookCounter = s.hookCount
			if err := s.fireHook(HookCount, line); err != nil {
				return err
			}
		}
	}
	if s.hookMask&MaskLine != 0 {
		return s.fireHook(HookLine, line)
	}
	return nil
}

func (s *State) fireHook(ev HookEvent, line int) *verr.Error {
	fn := s.hookFn
	mask := s.hookMask
	s.hookFn = nil
	s.hookMask = 0
	err := fn(s, ev, line)
	s.hookFn = fn
	s.hookMask = mask
	if err == nil {
		return nil
	}
	if ve, ok := err.(*verr.Error); ok {
		return ve
	}
	return s.rtErr(verr.RuntimeError, "%s", err.Error())
}
