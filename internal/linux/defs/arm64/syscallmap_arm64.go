// Package arm64 provides arm64-specific Linux definitions, mirroring the
// layout of internal/linux/defs/amd64 for the generic syscall ABI described
// by include/uapi/asm-generic/unistd.h.
package arm64

import "github.com/tinyrange/vfiopt/internal/linux/defs"

// SyscallMap translates the portable defs.Syscall ordinals into the real
// arm64 syscall numbers from the generic syscall table in
// include/uapi/asm-generic/unistd.h.
var SyscallMap = map[defs.Syscall]int64{
	defs.SYS_IO_SETUP:                0,
	defs.SYS_IO_DESTROY:              1,
	defs.SYS_IO_SUBMIT:               2,
	defs.SYS_IO_CANCEL:               3,
	defs.SYS_IO_GETEVENTS:            4,
	defs.SYS_SETXATTR:                5,
	defs.SYS_LSETXATTR:               6,
	defs.SYS_FSETXATTR:               7,
	defs.SYS_GETXATTR:                8,
	defs.SYS_LGETXATTR:               9,
	defs.SYS_FGETXATTR:               10,
	defs.SYS_LISTXATTR:               11,
	defs.SYS_LLISTXATTR:              12,
	defs.SYS_FLISTXATTR:              13,
	defs.SYS_REMOVEXATTR:             14,
	defs.SYS_LREMOVEXATTR:            15,
	defs.SYS_FREMOVEXATTR:            16,
	defs.SYS_GETCWD:                  17,
	defs.SYS_LOOKUP_DCOOKIE:          18,
	defs.SYS_EVENTFD2:                19,
	defs.SYS_EPOLL_CREATE1:           20,
	defs.SYS_EPOLL_CTL:               21,
	defs.SYS_EPOLL_PWAIT:             22,
	defs.SYS_DUP:                     23,
	defs.SYS_DUP3:                    24,
	defs.SYS_FCNTL:                   25,
	defs.SYS_INOTIFY_INIT1:           26,
	defs.SYS_INOTIFY_ADD_WATCH:       27,
	defs.SYS_INOTIFY_RM_WATCH:        28,
	defs.SYS_IOCTL:                   29,
	defs.SYS_IOPRIO_SET:              30,
	defs.SYS_IOPRIO_GET:              31,
	defs.SYS_FLOCK:                   32,
	defs.SYS_MKNODAT:                 33,
	defs.SYS_MKDIRAT:                 34,
	defs.SYS_UNLINKAT:                35,
	defs.SYS_SYMLINKAT:               36,
	defs.SYS_LINKAT:                  37,
	defs.SYS_RENAMEAT:                38,
	defs.SYS_UMOUNT2:                 39,
	defs.SYS_MOUNT:                   40,
	defs.SYS_PIVOT_ROOT:              41,
	defs.SYS_NFSSERVCTL:              42,
	defs.SYS_STATFS:                  43,
	defs.SYS_FSTATFS:                 44,
	defs.SYS_TRUNCATE:                45,
	defs.SYS_FTRUNCATE:               46,
	defs.SYS_FALLOCATE:               47,
	defs.SYS_FACCESSAT:               48,
	defs.SYS_CHDIR:                   49,
	defs.SYS_FCHDIR:                  50,
	defs.SYS_CHROOT:                  51,
	defs.SYS_FCHMOD:                  52,
	defs.SYS_FCHMODAT:                53,
	defs.SYS_FCHOWNAT:                54,
	defs.SYS_FCHOWN:                  55,
	defs.SYS_OPENAT:                  56,
	defs.SYS_CLOSE:                   57,
	defs.SYS_VHANGUP:                 58,
	defs.SYS_PIPE2:                   59,
	defs.SYS_QUOTACTL:                60,
	defs.SYS_GETDENTS64:              61,
	defs.SYS_LSEEK:                   62,
	defs.SYS_READ:                    63,
	defs.SYS_WRITE:                   64,
	defs.SYS_READV:                   65,
	defs.SYS_WRITEV:                  66,
	defs.SYS_PREAD64:                 67,
	defs.SYS_PWRITE64:                68,
	defs.SYS_PREADV:                  69,
	defs.SYS_PWRITEV:                 70,
	defs.SYS_SENDFILE:                71,
	defs.SYS_PSELECT6:                72,
	defs.SYS_PPOLL:                   73,
	defs.SYS_SIGNALFD4:               74,
	defs.SYS_VMSPLICE:                75,
	defs.SYS_SPLICE:                  76,
	defs.SYS_TEE:                     77,
	defs.SYS_READLINKAT:              78,
	defs.SYS_NEWFSTATAT:              79,
	defs.SYS_FSTAT:                   80,
	defs.SYS_SYNC:                    81,
	defs.SYS_FSYNC:                   82,
	defs.SYS_FDATASYNC:               83,
	defs.SYS_SYNC_FILE_RANGE:         84,
	defs.SYS_TIMERFD_CREATE:          85,
	defs.SYS_TIMERFD_SETTIME:         86,
	defs.SYS_TIMERFD_GETTIME:         87,
	defs.SYS_UTIMENSAT:               88,
	defs.SYS_ACCT:                    89,
	defs.SYS_CAPGET:                  90,
	defs.SYS_CAPSET:                  91,
	defs.SYS_PERSONALITY:             92,
	defs.SYS_EXIT:                    93,
	defs.SYS_EXIT_GROUP:              94,
	defs.SYS_WAITID:                  95,
	defs.SYS_SET_TID_ADDRESS:         96,
	defs.SYS_UNSHARE:                 97,
	defs.SYS_FUTEX:                   98,
	defs.SYS_SET_ROBUST_LIST:         99,
	defs.SYS_GET_ROBUST_LIST:         100,
	defs.SYS_NANOSLEEP:               101,
	defs.SYS_GETITIMER:               102,
	defs.SYS_SETITIMER:               103,
	defs.SYS_KEXEC_LOAD:              104,
	defs.SYS_INIT_MODULE:             105,
	defs.SYS_DELETE_MODULE:           106,
	defs.SYS_TIMER_CREATE:            107,
	defs.SYS_TIMER_GETTIME:           108,
	defs.SYS_TIMER_GETOVERRUN:        109,
	defs.SYS_TIMER_SETTIME:           110,
	defs.SYS_TIMER_DELETE:            111,
	defs.SYS_CLOCK_SETTIME:           112,
	defs.SYS_CLOCK_GETTIME:           113,
	defs.SYS_CLOCK_GETRES:            114,
	defs.SYS_CLOCK_NANOSLEEP:         115,
	defs.SYS_SYSLOG:                  116,
	defs.SYS_PTRACE:                  117,
	defs.SYS_SCHED_SETPARAM:          118,
	defs.SYS_SCHED_SETSCHEDULER:      119,
	defs.SYS_SCHED_GETSCHEDULER:      120,
	defs.SYS_SCHED_GETPARAM:          121,
	defs.SYS_SCHED_SETAFFINITY:       122,
	defs.SYS_SCHED_GETAFFINITY:       123,
	defs.SYS_SCHED_YIELD:             124,
	defs.SYS_SCHED_GET_PRIORITY_MAX:  125,
	defs.SYS_SCHED_GET_PRIORITY_MIN:  126,
	defs.SYS_SCHED_RR_GET_INTERVAL:   127,
	defs.SYS_RESTART_SYSCALL:         128,
	defs.SYS_KILL:                    129,
	defs.SYS_TKILL:                   130,
	defs.SYS_TGKILL:                  131,
	defs.SYS_SIGALTSTACK:             132,
	defs.SYS_RT_SIGSUSPEND:           133,
	defs.SYS_RT_SIGACTION:            134,
	defs.SYS_RT_SIGPROCMASK:          135,
	defs.SYS_RT_SIGPENDING:           136,
	defs.SYS_RT_SIGTIMEDWAIT:         137,
	defs.SYS_RT_SIGQUEUEINFO:         138,
	defs.SYS_RT_SIGRETURN:            139,
	defs.SYS_SETPRIORITY:             140,
	defs.SYS_GETPRIORITY:             141,
	defs.SYS_REBOOT:                  142,
	defs.SYS_SETREGID:                143,
	defs.SYS_SETGID:                  144,
	defs.SYS_SETREUID:                145,
	defs.SYS_SETUID:                  146,
	defs.SYS_SETRESUID:               147,
	defs.SYS_GETRESUID:               148,
	defs.SYS_SETRESGID:               149,
	defs.SYS_GETRESGID:               150,
	defs.SYS_SETFSUID:                151,
	defs.SYS_SETFSGID:                152,
	defs.SYS_TIMES:                   153,
	defs.SYS_SETPGID:                 154,
	defs.SYS_GETPGID:                 155,
	defs.SYS_GETSID:                  156,
	defs.SYS_SETSID:                  157,
	defs.SYS_GETGROUPS:               158,
	defs.SYS_SETGROUPS:               159,
	defs.SYS_UNAME:                   160,
	defs.SYS_SETHOSTNAME:             161,
	defs.SYS_SETDOMAINNAME:           162,
	defs.SYS_GETRLIMIT:               163,
	defs.SYS_SETRLIMIT:               164,
	defs.SYS_GETRUSAGE:               165,
	defs.SYS_UMASK:                   166,
	defs.SYS_PRCTL:                   167,
	defs.SYS_GETCPU:                  168,
	defs.SYS_GETTIMEOFDAY:            169,
	defs.SYS_SETTIMEOFDAY:            170,
	defs.SYS_ADJTIMEX:                171,
	defs.SYS_GETPID:                  172,
	defs.SYS_GETPPID:                 173,
	defs.SYS_GETUID:                  174,
	defs.SYS_GETEUID:                 175,
	defs.SYS_GETGID:                  176,
	defs.SYS_GETEGID:                 177,
	defs.SYS_GETTID:                  178,
	defs.SYS_SYSINFO:                 179,
	defs.SYS_MQ_OPEN:                 180,
	defs.SYS_MQ_UNLINK:               181,
	defs.SYS_MQ_TIMEDSEND:            182,
	defs.SYS_MQ_TIMEDRECEIVE:         183,
	defs.SYS_MQ_NOTIFY:               184,
	defs.SYS_MQ_GETSETATTR:           185,
	defs.SYS_MSGGET:                  186,
	defs.SYS_MSGCTL:                  187,
	defs.SYS_MSGRCV:                  188,
	defs.SYS_MSGSND:                  189,
	defs.SYS_SEMGET:                  190,
	defs.SYS_SEMCTL:                  191,
	defs.SYS_SEMTIMEDOP:              192,
	defs.SYS_SEMOP:                   193,
	defs.SYS_SHMGET:                  194,
	defs.SYS_SHMCTL:                  195,
	defs.SYS_SHMAT:                   196,
	defs.SYS_SHMDT:                   197,
	defs.SYS_SOCKET:                  198,
	defs.SYS_SOCKETPAIR:              199,
	defs.SYS_BIND:                    200,
	defs.SYS_LISTEN:                  201,
	defs.SYS_ACCEPT:                  202,
	defs.SYS_CONNECT:                 203,
	defs.SYS_GETSOCKNAME:             204,
	defs.SYS_GETPEERNAME:             205,
	defs.SYS_SENDTO:                  206,
	defs.SYS_RECVFROM:                207,
	defs.SYS_SETSOCKOPT:              208,
	defs.SYS_GETSOCKOPT:              209,
	defs.SYS_SHUTDOWN:                210,
	defs.SYS_SENDMSG:                 211,
	defs.SYS_RECVMSG:                 212,
	defs.SYS_READAHEAD:               213,
	defs.SYS_BRK:                     214,
	defs.SYS_MUNMAP:                  215,
	defs.SYS_MREMAP:                  216,
	defs.SYS_ADD_KEY:                 217,
	defs.SYS_REQUEST_KEY:             218,
	defs.SYS_KEYCTL:                  219,
	defs.SYS_CLONE:                   220,
	defs.SYS_EXECVE:                  221,
	defs.SYS_MMAP:                    222,
	defs.SYS_FADVISE64:               223,
	defs.SYS_SWAPON:                  224,
	defs.SYS_SWAPOFF:                 225,
	defs.SYS_MPROTECT:                226,
	defs.SYS_MSYNC:                   227,
	defs.SYS_MLOCK:                   228,
	defs.SYS_MUNLOCK:                 229,
	defs.SYS_MLOCKALL:                230,
	defs.SYS_MUNLOCKALL:              231,
	defs.SYS_MINCORE:                 232,
	defs.SYS_MADVISE:                 233,
	defs.SYS_REMAP_FILE_PAGES:        234,
	defs.SYS_MBIND:                   235,
	defs.SYS_GET_MEMPOLICY:           236,
	defs.SYS_SET_MEMPOLICY:           237,
	defs.SYS_MIGRATE_PAGES:           238,
	defs.SYS_MOVE_PAGES:              239,
	defs.SYS_RT_TGSIGQUEUEINFO:       240,
	defs.SYS_PERF_EVENT_OPEN:         241,
	defs.SYS_ACCEPT4:                 242,
	defs.SYS_RECVMMSG:                243,
	defs.SYS_WAIT4:                   260,
	defs.SYS_PRLIMIT64:               261,
	defs.SYS_FANOTIFY_INIT:           262,
	defs.SYS_FANOTIFY_MARK:           263,
	defs.SYS_NAME_TO_HANDLE_AT:       264,
	defs.SYS_OPEN_BY_HANDLE_AT:       265,
	defs.SYS_CLOCK_ADJTIME:           266,
	defs.SYS_SYNCFS:                  267,
	defs.SYS_SETNS:                   268,
	defs.SYS_SENDMMSG:                269,
	defs.SYS_PROCESS_VM_READV:        270,
	defs.SYS_PROCESS_VM_WRITEV:       271,
	defs.SYS_KCMP:                    272,
	defs.SYS_FINIT_MODULE:            273,
	defs.SYS_SCHED_SETATTR:           274,
	defs.SYS_SCHED_GETATTR:           275,
	defs.SYS_RENAMEAT2:               276,
	defs.SYS_SECCOMP:                 277,
	defs.SYS_GETRANDOM:               278,
	defs.SYS_MEMFD_CREATE:            279,
	defs.SYS_BPF:                     280,
	defs.SYS_EXECVEAT:                281,
	defs.SYS_USERFAULTFD:             282,
	defs.SYS_MEMBARRIER:              283,
	defs.SYS_MLOCK2:                  284,
	defs.SYS_COPY_FILE_RANGE:         285,
	defs.SYS_PREADV2:                 286,
	defs.SYS_PWRITEV2:                287,
	defs.SYS_PKEY_MPROTECT:           288,
	defs.SYS_PKEY_ALLOC:              289,
	defs.SYS_PKEY_FREE:               290,
	defs.SYS_STATX:                   291,
	defs.SYS_IO_PGETEVENTS:           292,
	defs.SYS_RSEQ:                    293,
	defs.SYS_KEXEC_FILE_LOAD:         294,
	defs.SYS_PIDFD_SEND_SIGNAL:       424,
	defs.SYS_IO_URING_SETUP:          425,
	defs.SYS_IO_URING_ENTER:          426,
	defs.SYS_IO_URING_REGISTER:       427,
	defs.SYS_OPEN_TREE:               428,
	defs.SYS_MOVE_MOUNT:              429,
	defs.SYS_FSOPEN:                  430,
	defs.SYS_FSCONFIG:                431,
	defs.SYS_FSMOUNT:                 432,
	defs.SYS_FSPICK:                  433,
	defs.SYS_PIDFD_OPEN:              434,
	defs.SYS_CLONE3:                  435,
	defs.SYS_CLOSE_RANGE:             436,
	defs.SYS_OPENAT2:                 437,
	defs.SYS_PIDFD_GETFD:             438,
	defs.SYS_FACCESSAT2:              439,
	defs.SYS_PROCESS_MADVISE:         440,
	defs.SYS_EPOLL_PWAIT2:            441,
	defs.SYS_MOUNT_SETATTR:           442,
	defs.SYS_QUOTACTL_FD:             443,
	defs.SYS_LANDLOCK_CREATE_RULESET: 444,
	defs.SYS_LANDLOCK_ADD_RULE:       445,
	defs.SYS_LANDLOCK_RESTRICT_SELF:  446,
	defs.SYS_MEMFD_SECRET:            447,
	defs.SYS_PROCESS_MRELEASE:        448,
	defs.SYS_FUTEX_WAITV:             449,
	defs.SYS_SET_MEMPOLICY_HOME_NODE: 450,
	defs.SYS_CACHESTAT:               451,
	defs.SYS_FCHMODAT2:               452,
	defs.SYS_MAP_SHADOW_STACK:        453,
	defs.SYS_FUTEX_WAKE:              454,
	defs.SYS_FUTEX_WAIT:              455,
	defs.SYS_FUTEX_REQUEUE:           456,
	defs.SYS_STATMOUNT:               457,
	defs.SYS_LISTMOUNT:               458,
	defs.SYS_LSM_GET_SELF_ATTR:       459,
	defs.SYS_LSM_SET_SELF_ATTR:       460,
	defs.SYS_LSM_LIST_MODULES:        461,
	defs.SYS_MSEAL:                   462,
	defs.SYS_SETXATTRAT:              463,
	defs.SYS_GETXATTRAT:              464,
	defs.SYS_LISTXATTRAT:             465,
	defs.SYS_REMOVEXATTRAT:           466,
	defs.SYS_OPEN_TREE_ATTR:          467,
}
