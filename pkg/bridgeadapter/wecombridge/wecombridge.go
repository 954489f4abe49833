package wecombridge
